package main

import (
	"bufio"
	"strings"

	"github.com/spf13/cobra"
)

// confirm reads one line from the command's input and reports whether it
// starts with y.
func confirm(cmd *cobra.Command) bool {
	line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
