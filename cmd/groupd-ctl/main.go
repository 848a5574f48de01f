// Command groupd-ctl is a thin client over groupd's AF_UNIX control
// socket, the Go equivalent of original_source's group_tool: it opens
// a connection, issues exactly one of the spec.md §4.7 introspection
// commands (`get_groups`, `get_group`, `dump`, `log`), and prints every
// reply line up to the `.` terminator.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ClusterLabs/groupd/internal/clientproto"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "groupd-ctl:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var socket string

	root := &cobra.Command{
		Use:   "groupd-ctl",
		Short: "inspect a running groupd instance",
	}
	root.PersistentFlags().StringVar(&socket, "socket", clientproto.SocketName, "groupd control socket")

	root.AddCommand(
		newGroupsCmd(&socket),
		newGroupCmd(&socket),
		newDumpCmd(&socket),
		newLogCmd(&socket),
	)
	return root
}

func newGroupsCmd(socket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "list every group known to the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return issue(*socket, "get_groups")
		},
	}
}

func newGroupCmd(socket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "group <level> <name>",
		Short: "show one group's state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := strconv.ParseUint(args[0], 10, 16)
			if err != nil {
				return fmt.Errorf("invalid level %q: %w", args[0], err)
			}
			name := args[1]
			return withConn(*socket, func(conn net.Conn, br *bufio.Reader) error {
				if err := sendLine(conn, fmt.Sprintf("setup groupd-ctl %d", level)); err != nil {
					return err
				}
				if err := sendLine(conn, "get_group "+name); err != nil {
					return err
				}
				return printUntilTerminator(br)
			})
		},
	}
}

func newDumpCmd(socket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "print the daemon's ring log buffer once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return issue(*socket, "dump")
		},
	}
}

func newLogCmd(socket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "log",
		Short: "print the ring log buffer, then keep streaming new entries until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(*socket, func(conn net.Conn, br *bufio.Reader) error {
				if err := sendLine(conn, "log"); err != nil {
					return err
				}
				return printUntilClosed(br)
			})
		},
	}
}

// issue is the common path for the zero-argument commands: connect,
// write one command line, read replies until the terminator.
func issue(socket, line string) error {
	return withConn(socket, func(conn net.Conn, br *bufio.Reader) error {
		if err := sendLine(conn, line); err != nil {
			return err
		}
		return printUntilTerminator(br)
	})
}

func withConn(socket string, fn func(conn net.Conn, br *bufio.Reader) error) error {
	conn, err := net.DialTimeout("unix", socket, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socket, err)
	}
	defer conn.Close()
	return fn(conn, bufio.NewReader(conn))
}

func sendLine(conn net.Conn, line string) error {
	_, err := conn.Write([]byte(line + "\n"))
	return err
}

// printUntilTerminator copies reply lines to stdout until it reads the
// lone "." sentinel line introspect.go's replyTerminator writes, or
// the connection closes.
func printUntilTerminator(br *bufio.Reader) error {
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			trimmed := strings.TrimRight(line, "\n")
			if trimmed == "." {
				return nil
			}
			fmt.Println(trimmed)
		}
		if err != nil {
			return nil
		}
	}
}

// printUntilClosed is printUntilTerminator without the "." sentinel:
// `log` never sends one, since the daemon keeps the connection open
// and forwards new ring entries indefinitely (replyLog/pushLogTails),
// so this only returns once the daemon closes the socket or the user
// interrupts the command.
func printUntilClosed(br *bufio.Reader) error {
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			fmt.Println(strings.TrimRight(line, "\n"))
		}
		if err != nil {
			return nil
		}
	}
}
