// Command flashclaw runs the FlashClaw conversational agent gateway.
package main

import "github.com/flashclaw/flashclaw/cmd"

func main() {
	cmd.Execute()
}
