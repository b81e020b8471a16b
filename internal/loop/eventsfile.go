package loop

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// eventsCursor reads the agent's append-only events file incrementally:
// each call returns only the lines appended since the previous call. The
// file is read once per iteration; the core takes no lock beyond
// remembering the end-of-file position.
type eventsCursor struct {
	path   string
	offset int64
}

func newEventsCursor(path string) *eventsCursor {
	return &eventsCursor{path: path}
}

// readNew returns complete lines appended since the last read. A missing
// file is not an error; the agent may never create it.
func (c *eventsCursor) readNew() ([]string, error) {
	f, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening events file: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(c.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking events file: %w", err)
	}

	var lines []string
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			// Leave a trailing partial line for the next read; the agent
			// may still be writing it.
			break
		}
		if err != nil {
			return lines, fmt.Errorf("reading events file: %w", err)
		}
		c.offset += int64(len(line))
		lines = append(lines, line)
	}
	return lines, nil
}
