// The diagnose binary pokes a storage node directly over the blob
// protocol, bypassing the front node. Useful for checking what a node
// actually holds when the catalog and reality disagree.
package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"bnuystore/internal/wire"
)

var nodeAddr string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&nodeAddr, "addr", "a", "127.0.0.1:9800", "storage node address")
	rootCmd.AddCommand(versionCmd, readCmd, writeCmd, deleteCmd)
}

var rootCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Poke a storage node over the blob protocol",
	RunE: func(cmd *cobra.Command, args []string) error {
		return repl()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Ask the node for its version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return doVersion()
	},
}

var readCmd = &cobra.Command{
	Use:   "read <uuid> [outfile]",
	Short: "Fetch a blob, to stdout or a file",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return doRead(args)
	},
}

var writeCmd = &cobra.Command{
	Use:   "write <uuid> <file>",
	Short: "Store a file as a blob",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return doWrite(args)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <uuid>",
	Short: "Remove a blob",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return doDelete(args)
	},
}

// exchange runs one request/response against the node. When out is non-nil
// the response payload is copied into it.
func exchange(req wire.Request, payload io.Reader, payloadLen int64, out io.Writer) (wire.Response, error) {
	conn, err := net.DialTimeout("tcp", nodeAddr, 5*time.Second)
	if err != nil {
		return wire.Response{}, fmt.Errorf("dialing %s: %w", nodeAddr, err)
	}
	defer conn.Close()

	if err := wire.WriteRequest(conn, req, payloadLen); err != nil {
		return wire.Response{}, err
	}
	if payload != nil {
		if _, err := io.Copy(conn, payload); err != nil {
			return wire.Response{}, fmt.Errorf("sending payload: %w", err)
		}
	}
	if err := conn.(*net.TCPConn).CloseWrite(); err != nil {
		return wire.Response{}, err
	}

	resp, n, err := wire.ReadResponse(conn)
	if err != nil {
		return wire.Response{}, err
	}
	if resp.OK && out != nil {
		if n >= 0 {
			_, err = io.CopyN(out, conn, n)
		} else {
			_, err = io.Copy(out, conn)
		}
		if err != nil {
			return resp, fmt.Errorf("reading payload: %w", err)
		}
	}
	return resp, nil
}

func doVersion() error {
	resp, err := exchange(wire.Request{Op: wire.OpVersion}, nil, 0, nil)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("node error: %s", resp.Error)
	}
	fmt.Printf("node at %s reports version %s\n", nodeAddr, resp.Version)
	return nil
}

func doRead(args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("parsing uuid: %w", err)
	}

	var out io.Writer = os.Stdout
	if len(args) == 2 {
		f, err := os.Create(args[1])
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	resp, err := exchange(wire.Request{Op: wire.OpGet, UUID: id.String()}, nil, 0, out)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("node error: %s", resp.Error)
	}
	return nil
}

func doWrite(args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("parsing uuid: %w", err)
	}
	f, err := os.Open(args[1])
	if err != nil {
		return fmt.Errorf("opening input file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stating input file: %w", err)
	}

	resp, err := exchange(wire.Request{Op: wire.OpPut, UUID: id.String()}, f, info.Size(), nil)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("node error: %s", resp.Error)
	}
	fmt.Printf("stored %d bytes as %s\n", info.Size(), id)
	return nil
}

func doDelete(args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("parsing uuid: %w", err)
	}
	resp, err := exchange(wire.Request{Op: wire.OpDelete, UUID: id.String()}, nil, 0, nil)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("node error: %s", resp.Error)
	}
	fmt.Printf("deleted %s\n", id)
	return nil
}

func repl() error {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		fmt.Printf("connected commands target %s; try 'help'\n", nodeAddr)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		if interactive {
			fmt.Print("> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		var err error
		switch cmd, rest := fields[0], fields[1:]; cmd {
		case "quit", "exit":
			return nil
		case "help":
			fmt.Println("commands: version | read <uuid> [outfile] | write <uuid> <file> | delete <uuid> | quit")
		case "version":
			err = doVersion()
		case "read":
			if len(rest) < 1 || len(rest) > 2 {
				err = fmt.Errorf("usage: read <uuid> [outfile]")
				break
			}
			err = doRead(rest)
		case "write":
			if len(rest) != 2 {
				err = fmt.Errorf("usage: write <uuid> <file>")
				break
			}
			err = doWrite(rest)
		case "delete":
			if len(rest) != 1 {
				err = fmt.Errorf("usage: delete <uuid>")
				break
			}
			err = doDelete(rest)
		default:
			err = fmt.Errorf("unknown command %q, try 'help'", cmd)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}
