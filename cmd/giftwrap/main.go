// SPDX-License-Identifier: MPL-2.0

// Command giftwrap turns the current working directory into a
// reproducibly containerized shell or command.
package main

import "os"

func main() {
	os.Exit(Execute())
}
