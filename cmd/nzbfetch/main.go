// Command nzbfetch runs the NZB-driven Usenet fetch core: ingest NZBs from
// a queue, deobfuscate and decode them, and hand finished mounts to a
// metadata store.
package main

import "github.com/javi11/nzbfetch/cmd/nzbfetch/cmd"

func main() {
	cmd.Execute()
}
