// Command fabping serves and exercises fabrpc connections over the sockets
// provider.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
