package debugconsole

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// Handler выполняет команды консоли. Реализация сама решает, в каком
// потоке исполнять действие.
type Handler interface {
	Broadcast(text string) error
	Send(text string) error
	Ping(id uint32) error
	CloseConnection() error
	Peers() []string
	Status() string
}

// Commands разбирает строки консоли через cobra.
type Commands struct {
	root *cobra.Command
	out  io.Writer
}

func NewCommands(h Handler, out io.Writer) *Commands {
	root := &cobra.Command{
		Use:           "console",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(out)

	root.AddCommand(
		&cobra.Command{
			Use:   "broadcast [text]",
			Short: "Send text to every connected client (server role)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return h.Broadcast(strings.Join(args, " "))
			},
		},
		&cobra.Command{
			Use:   "send <text>",
			Short: "Send text to the server (client role)",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return h.Send(strings.Join(args, " "))
			},
		},
		&cobra.Command{
			Use:   "ping <id>",
			Short: "Send a ping with the given id (client role)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := strconv.ParseUint(args[0], 10, 32)
				if err != nil {
					return fmt.Errorf("invalid ping id %q: %w", args[0], err)
				}
				return h.Ping(uint32(id))
			},
		},
		&cobra.Command{
			Use:   "close",
			Short: "Close the client connection",
			RunE: func(cmd *cobra.Command, args []string) error {
				return h.CloseConnection()
			},
		},
		&cobra.Command{
			Use:   "peers",
			Short: "List discovered peers",
			Run: func(cmd *cobra.Command, args []string) {
				peers := h.Peers()
				if len(peers) == 0 {
					cmd.Println("no peers discovered")
					return
				}
				for _, p := range peers {
					cmd.Println(p)
				}
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show node status",
			Run: func(cmd *cobra.Command, args []string) {
				cmd.Println(h.Status())
			},
		},
	)

	return &Commands{root: root, out: out}
}

// Execute выполняет одну строку консоли.
func (c *Commands) Execute(line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	c.root.SetArgs(args)
	return c.root.Execute()
}

// ReadLoop читает команды построчно, пока не закончится ввод или не отменится контекст.
// Ошибки команд выводятся и не прерывают цикл.
func (c *Commands) ReadLoop(ctx context.Context, in io.Reader, prompt bool) error {
	scanner := bufio.NewScanner(in)
	for {
		if prompt {
			fmt.Fprint(c.out, "> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := c.Execute(scanner.Text()); err != nil {
			fmt.Fprintln(c.out, "error:", err)
		}
	}
}
