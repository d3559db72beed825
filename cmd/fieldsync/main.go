// Command fieldsync queues record mutations and binary assets on a field
// device and reconciles them with the remote store when connectivity allows.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
