// The main package for the crawlerd executable.
package main

import "github.com/polldata/crawlerd/cmd"

func main() {
	cmd.Execute()
}
