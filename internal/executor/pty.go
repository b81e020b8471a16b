package executor

import (
	"io"
	"os/exec"

	"github.com/creack/pty"
)

// ptySize is the terminal geometry advertised to the agent.
var ptySize = &pty.Winsize{Rows: 40, Cols: 120}

// runInPTY spawns cmd under a pseudo-terminal and copies its combined
// output into sink. Some agent CLIs buffer or refuse to stream without a
// terminal attached; this path keeps their output flowing so the idle
// watchdog stays honest.
func runInPTY(cmd *exec.Cmd, sink io.Writer) error {
	f, err := pty.StartWithSize(cmd, ptySize)
	if err != nil {
		return err
	}
	defer f.Close()

	// The PTY master returns EIO when the child exits; any copy error here
	// just means output ended.
	_, _ = io.Copy(sink, f)

	return cmd.Wait()
}
