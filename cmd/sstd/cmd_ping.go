package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/netsteria/sst/internal/eid"
	"github.com/netsteria/sst/internal/host"
	"github.com/netsteria/sst/internal/logging"
	"github.com/netsteria/sst/internal/sock"
	"github.com/netsteria/sst/internal/stream"
)

func newPingCmd() *cobra.Command {
	var (
		count   int
		size    int
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ping <eid> <endpoint>",
		Short: "Measure stream round-trips against a peer's echo service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPing(args[0], args[1], count, size, timeout)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 4, "messages to send")
	cmd.Flags().IntVarP(&size, "size", "s", 64, "message payload size in bytes")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "per-message timeout")
	return cmd
}

func runPing(eidStr, epStr string, count, size int, timeout time.Duration) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	target, err := eid.Parse(eidStr)
	if err != nil {
		return fmt.Errorf("bad EID: %w", err)
	}
	ep, err := sock.ParseEndpoint(epStr)
	if err != nil {
		return fmt.Errorf("bad endpoint: %w", err)
	}

	logger := logging.NewLogger("error", "text")
	h, udp, err := host.FromConfig(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer h.Close()
	defer udp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	s, err := h.ConnectTo(ctx, target, "echo", "sst", ep)
	if err != nil {
		return err
	}
	fmt.Printf("connected to %s in %s\n", target, time.Since(start).Round(time.Millisecond))

	echoed := make(chan []byte, 1)
	s.SetEvents(stream.Events{
		ReadyReadMessage: func() {
			for {
				msg, err := s.ReadMessage()
				if err != nil || msg == nil {
					return
				}
				echoed <- msg
			}
		},
	})

	payload := make([]byte, size)
	var total time.Duration
	var totalBytes uint64
	for i := 0; i < count; i++ {
		sent := time.Now()
		if _, err := s.WriteMessage(payload); err != nil {
			return err
		}
		select {
		case msg := <-echoed:
			rtt := time.Since(sent)
			total += rtt
			totalBytes += uint64(len(msg)) * 2
			fmt.Printf("%d bytes: seq=%d time=%s\n", len(msg), i, rtt.Round(time.Microsecond))
		case <-time.After(timeout):
			fmt.Printf("timeout: seq=%d\n", i)
		}
	}

	if total > 0 {
		rate := float64(totalBytes) / total.Seconds()
		fmt.Printf("avg rtt %s, %s/s\n",
			(total / time.Duration(count)).Round(time.Microsecond),
			humanize.Bytes(uint64(rate)))
	}
	s.Shutdown(stream.ShutdownClose)
	return nil
}
