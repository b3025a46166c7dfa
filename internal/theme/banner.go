package theme

import (
	"fmt"
	"io"
	"os"
)

// Banner returns the CLI banner: a gait trace that freezes into a tremor.
func Banner() string {
	const cyan = "\033[36m"
	const magenta = "\033[35m"
	const yellow = "\033[33m"
	const reset = "\033[0m"

	art := "" +
		"   " + magenta + "FOGCNN" + reset + "  freezing-of-gait detector\n" +
		cyan + "   ╭─╮   ╭─╮   ╭─╮" + reset + yellow + "┬┴┬┴┬┴┬┴┬" + reset + cyan + "╭─╮   ╭─╮\n" + reset +
		cyan + "  ─╯ ╰───╯ ╰───╯ ╰" + reset + yellow + "┴┬┴┬┴┬┴┬┴" + reset + cyan + "╯ ╰───╯ ╰─\n" + reset +
		"   walk          freeze           walk\n"
	return art
}

// PrintBanner writes the banner to stderr when it is a terminal, keeping
// stdout clean for tables.
func PrintBanner() {
	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		WriteBanner(os.Stderr)
	}
}

// WriteBanner writes the banner to w.
func WriteBanner(w io.Writer) {
	fmt.Fprint(w, Banner())
}
