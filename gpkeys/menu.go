package main

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// selectMenu draws items in raw mode and returns the index chosen with the
// arrow keys and Enter, or -1 if stdin is not a terminal.
func selectMenu(prompt string, items []string) int {
	if len(items) == 0 {
		return -1
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return -1
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting raw mode: %v\r\n", err)
		return -1
	}
	defer term.Restore(fd, oldState)

	selected := 0
	draw := func() {
		for i, item := range items {
			fmt.Print("\033[2K\r")
			if i == selected {
				fmt.Printf("> %s\r\n", item)
			} else {
				fmt.Printf("  %s\r\n", item)
			}
		}
	}

	fmt.Printf("%s\r\n", prompt)
	draw()

	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return selected
		}

		if n == 1 {
			switch buf[0] {
			case 0x0D, 0x0A: // Enter
				fmt.Printf("\r\n")
				return selected
			case 0x03: // Ctrl-C
				term.Restore(fd, oldState)
				fmt.Printf("\r\n")
				os.Exit(0)
			}
			continue
		}
		if n != 3 || buf[0] != 0x1B || buf[1] != '[' {
			continue
		}

		moved := false
		switch buf[2] {
		case 'A': // Up
			if selected > 0 {
				selected--
				moved = true
			}
		case 'B': // Down
			if selected < len(items)-1 {
				selected++
				moved = true
			}
		}
		if moved {
			fmt.Printf("\033[%dA", len(items))
			draw()
		}
	}
}
