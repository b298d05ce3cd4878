// Package kv implements the client commands for interacting with a dkvs
// node over the text protocol.
package kv

import (
	"fmt"
	"net"
	"time"

	cmdUtil "github.com/dkvs-io/dkvs/cmd/util"
	"github.com/dkvs-io/dkvs/lib/protocol"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// KeyValueCommands groups the client-side key-value commands
	KeyValueCommands = &cobra.Command{
		Use:   "kv",
		Short: "Interact with a dkvs node",
		Long:  `Send key-value commands to a running dkvs node over the text protocol.`,
	}

	setCmd = &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a value under a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			frame, err := protocol.FormatSet([]byte(args[0]), []byte(args[1]))
			if err != nil {
				return err
			}
			return roundTrip(frame)
		},
	}

	getCmd = &cobra.Command{
		Use:   "get <key>",
		Short: "Fetch the value stored under a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			frame, err := protocol.FormatGet([]byte(args[0]))
			if err != nil {
				return err
			}
			return roundTrip(frame)
		},
	}

	delCmd = &cobra.Command{
		Use:   "del <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			frame, err := protocol.FormatDel([]byte(args[0]))
			if err != nil {
				return err
			}
			return roundTrip(frame)
		},
	}

	pingCmd = &cobra.Command{
		Use:   "ping",
		Short: "Check that a node is alive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return roundTrip(protocol.FormatPing())
		},
	}
)

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)

	key := "addr"
	KeyValueCommands.PersistentFlags().String(key, "127.0.0.1:7001", cmdUtil.WrapString("Address of the dkvs node to talk to"))

	key = "timeout"
	KeyValueCommands.PersistentFlags().Int(key, 5, cmdUtil.WrapString("Request timeout in seconds"))

	KeyValueCommands.AddCommand(setCmd)
	KeyValueCommands.AddCommand(getCmd)
	KeyValueCommands.AddCommand(delCmd)
	KeyValueCommands.AddCommand(pingCmd)
}

// roundTrip sends one frame to the configured node and prints the reply.
func roundTrip(frame []byte) error {
	if err := viper.BindPFlags(KeyValueCommands.PersistentFlags()); err != nil {
		return err
	}

	addr := viper.GetString("addr")
	timeout := time.Duration(viper.GetInt("timeout")) * time.Second

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	reply, err := readLine(conn)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}

	fmt.Print(string(reply))
	return nil
}

// readLine reads bytes until the newline terminating a reply.
func readLine(conn net.Conn) ([]byte, error) {
	var resp []byte
	buf := make([]byte, 4096)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			resp = append(resp, buf[:n]...)
			if resp[len(resp)-1] == '\n' {
				return resp, nil
			}
		}
		if err != nil {
			return resp, err
		}
	}
}
