package lineio

import (
	"bufio"
	"io"
)

// ReadLines returns a channel streaming lines from reader.
func ReadLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
		close(ch)
	}()
	return ch
}
