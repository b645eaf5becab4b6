// File: cmd/hioload/ping.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"bytes"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/momentics/hioload-iocp/socket"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Send messages to an echo server and report round trips",
	RunE:  runPing,
}

func init() {
	f := pingCmd.Flags()
	f.String("host", "127.0.0.1", "server address")
	f.Uint16("port", 9001, "server port")
	f.Int("count", 4, "number of round trips")
	f.String("message", "PING", "payload")
	f.Duration("timeout", 5*time.Second, "connect, send and receive timeout")
}

func runPing(cmd *cobra.Command, _ []string) error {
	timeout := viper.GetDuration("timeout")
	s := socket.New()
	defer s.Release()
	err := s.Initialize(socket.Desc{
		Address:  viper.GetString("host"),
		Port:     uint16(viper.GetUint("port")),
		Protocol: socket.TCP,
		Mode:     socket.ModeConnect,
		Style:    socket.Blocking,
		NoDelay:  true,
		Blocking: socket.BlockingSettings{
			SendTimeout:    timeout,
			RecvTimeout:    timeout,
			ConnectTimeout: timeout,
		},
	})
	if err != nil {
		return err
	}

	msg := []byte(viper.GetString("message"))
	buf := make([]byte, len(msg))
	for i := 0; i < viper.GetInt("count"); i++ {
		start := time.Now()
		if _, err := s.Send(msg); err != nil {
			return err
		}
		got := 0
		for got < len(buf) {
			n, err := s.Recv(buf[got:])
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("server closed the connection after %d round trips", i)
			}
			got += n
		}
		if !bytes.Equal(buf, msg) {
			return fmt.Errorf("unexpected reply %q", buf)
		}
		cmd.Printf("%d bytes from %s: seq=%d time=%s\n", got, s.RemoteAddr(), i, time.Since(start))
	}
	return nil
}
