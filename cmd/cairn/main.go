// Command cairn runs and supervises background coding agents.
package main

func main() {
	Execute()
}
