package repl

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"MIC-TCP/pkg/mictcpstack"
)

const usage = `Commands:
  ls                    list sockets
  send <id> <message>   send a message on an established socket
  recv <id> [max]       wait for the next delivered message
  lossrate <percent>    change the simulated substrate loss
  close <id>            close a socket (higher ids shift down)
  q                     quit`

// StartRepl reads commands from in until EOF or "q".
func StartRepl(stack *mictcpstack.Stack, in io.Reader, out io.Writer) {
	reader := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !reader.Scan() {
			break
		}
		input := strings.TrimSpace(reader.Text())
		if input == "q" {
			break
		}
		if err := handle(stack, input, out); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func handle(stack *mictcpstack.Stack, input string, out io.Writer) error {
	parts := strings.SplitN(input, " ", 3)
	switch parts[0] {
	case "":
		return nil
	case "ls", "li":
		w := tabwriter.NewWriter(out, 1, 1, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tState\tLocal\tRemote\tSnd\tRcv\tTol%\tLoss%")
		for _, s := range stack.Sockets() {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
				s.ID, s.State, s.Local, s.Remote, s.SendSeq, s.RecvSeq, s.Tolerance, s.LossRate)
		}
		return w.Flush()
	case "send":
		if len(parts) != 3 {
			return fmt.Errorf("usage: send <id> <message>")
		}
		id, err := strconv.Atoi(parts[1])
		if err != nil {
			return fmt.Errorf("bad socket id %q", parts[1])
		}
		n, err := stack.Send(id, []byte(parts[2]))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "sent %d bytes\n", n)
	case "recv":
		if len(parts) < 2 {
			return fmt.Errorf("usage: recv <id> [max]")
		}
		id, err := strconv.Atoi(parts[1])
		if err != nil {
			return fmt.Errorf("bad socket id %q", parts[1])
		}
		max := 1024
		if len(parts) == 3 {
			if max, err = strconv.Atoi(parts[2]); err != nil {
				return fmt.Errorf("bad size %q", parts[2])
			}
		}
		msg, err := stack.Receive(id, max)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "received %d bytes: %q\n", len(msg), msg)
	case "lossrate":
		if len(parts) != 2 {
			return fmt.Errorf("usage: lossrate <percent>")
		}
		pct, err := strconv.Atoi(parts[1])
		if err != nil || pct < 0 || pct > 100 {
			return fmt.Errorf("loss rate must be 0..100, got %q", parts[1])
		}
		stack.SetLossRate(pct)
		fmt.Fprintf(out, "simulated loss set to %d%%\n", pct)
	case "close":
		if len(parts) != 2 {
			return fmt.Errorf("usage: close <id>")
		}
		id, err := strconv.Atoi(parts[1])
		if err != nil {
			return fmt.Errorf("bad socket id %q", parts[1])
		}
		return stack.Close(id)
	default:
		fmt.Fprintln(out, usage)
	}
	return nil
}
