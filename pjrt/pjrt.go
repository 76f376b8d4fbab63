// Package pjrt implements a Go wrapper for the PJRT_C_API, without cgo: plugins are loaded with dlopen and their
// function table is called through github.com/ebitengine/purego.
//
// The usual flow is:
//
//	plugin, err := pjrt.GetPlugin("cpu")
//	client, err := plugin.NewClient(nil)
//	exec, err := client.Compile().WithMLIR(program).Done()
//	input, err := pjrt.ArrayToBuffer(client, []float32{1, 2, 3, 4}, 2, 2)
//	outputs, err := exec.Execute(input).Done()
//	flat, dims, err := pjrt.BufferToArray[float32](outputs[0])
//
// Every object holding a plugin handle (Client, Buffer, LoadedExecutable, Event, ...) has a Destroy method, and it is
// also destroyed when garbage collected. Optional capabilities of a plugin are reached through its extensions, see
// LookupExtension.
package pjrt
