package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/labrack/labrack/pkg/cli"
	"github.com/labrack/labrack/pkg/rack"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List slots and their proxy endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Slots    []rack.Info `json:"slots"`
				HostIP   string      `json:"host_ip"`
				Hostname string      `json:"hostname"`
			}
			if err := apiGet("/api/devices", nil, &resp); err != nil {
				return err
			}

			fmt.Printf("%s (%s)\n\n", cli.Bold(resp.Hostname), resp.HostIP)
			cli.SlotTable(resp.Slots).Flush()
			return nil
		},
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show rack summary counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Slots    int     `json:"slots"`
				Present  int     `json:"present"`
				Running  int     `json:"running"`
				Flapping int     `json:"flapping"`
				HostIP   string  `json:"host_ip"`
				Hostname string  `json:"hostname"`
				Uptime   uint64  `json:"uptime"`
				Load1    float64 `json:"load1"`
			}
			if err := apiGet("/api/info", nil, &resp); err != nil {
				return err
			}
			fmt.Printf("%s (%s)\n", cli.Bold(resp.Hostname), resp.HostIP)
			fmt.Printf("  slots: %d  present: %d  running: %d  flapping: %d\n",
				resp.Slots, resp.Present, resp.Running, resp.Flapping)
			fmt.Printf("  host uptime: %s  load: %.2f\n",
				(time.Duration(resp.Uptime) * time.Second).String(), resp.Load1)
			return nil
		},
	}
}

func newLogCmd() *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show recent activity entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if since > 0 {
				q.Set("since", time.Now().Add(-since).Format(time.RFC3339))
			}
			var resp struct {
				Entries []struct {
					Time     time.Time `json:"ts"`
					Message  string    `json:"message"`
					Category string    `json:"category"`
				} `json:"entries"`
			}
			if err := apiGet("/api/log", q, &resp); err != nil {
				return err
			}
			for _, e := range resp.Entries {
				fmt.Println(cli.LogLine(e.Time, e.Category, e.Message))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this age (e.g. 5m)")
	return cmd
}

// slotActionCmd builds the common "verb <slot>" command shape.
func slotActionCmd(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <slot>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiPost(path, map[string]string{"slot": args[0]}, nil); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func newStartCmd() *cobra.Command {
	var devnode string
	cmd := &cobra.Command{
		Use:   "start <slot>",
		Short: "Force-start a slot's proxy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"slot": args[0]}
			if devnode != "" {
				body["devnode"] = devnode
			}
			if err := apiPost("/api/start", body, nil); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
	cmd.Flags().StringVarP(&devnode, "devnode", "d", "", "device node override")
	return cmd
}

func newStopCmd() *cobra.Command {
	return slotActionCmd("stop", "Stop a slot's proxy", "/api/stop")
}

func newRecoverCmd() *cobra.Command {
	return slotActionCmd("recover", "Trigger USB recovery for a slot", "/api/serial/recover")
}

func newReleaseCmd() *cobra.Command {
	return slotActionCmd("release", "Release a slot from download mode", "/api/serial/release")
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <slot>",
		Short: "Pulse DTR/RTS and show the board's boot output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Output []string `json:"output"`
			}
			if err := apiPost("/api/serial/reset", map[string]string{"slot": args[0]}, &resp); err != nil {
				return err
			}
			for _, line := range resp.Output {
				fmt.Println(line)
			}
			return nil
		},
	}
}

func newMonitorCmd() *cobra.Command {
	var pattern string
	var timeout float64
	cmd := &cobra.Command{
		Use:   "monitor <slot>",
		Short: "Read serial output through the proxy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{
				"slot":    args[0],
				"pattern": pattern,
				"timeout": timeout,
			}
			var resp struct {
				Output  []string `json:"output"`
				Matched bool     `json:"matched"`
			}
			if err := apiPost("/api/serial/monitor", body, &resp); err != nil {
				return err
			}
			for _, line := range resp.Output {
				fmt.Println(line)
			}
			if pattern != "" && !resp.Matched {
				return fmt.Errorf("pattern %q not seen", pattern)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&pattern, "pattern", "p", "", "return early when this substring appears")
	cmd.Flags().Float64VarP(&timeout, "timeout", "t", 10, "read window in seconds")
	return cmd
}

func newHumanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "human",
		Short: "Inspect or answer the pending operator prompt",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show the pending prompt",
			RunE: func(cmd *cobra.Command, args []string) error {
				var resp struct {
					Pending bool   `json:"pending"`
					Message string `json:"message"`
				}
				if err := apiGet("/api/human/status", nil, &resp); err != nil {
					return err
				}
				if !resp.Pending {
					fmt.Println("no prompt pending")
					return nil
				}
				fmt.Println(cli.Bold("pending:"), resp.Message)
				return nil
			},
		},
		&cobra.Command{
			Use:   "done",
			Short: "Confirm the pending prompt",
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := apiPost("/api/human/done", struct{}{}, nil); err != nil {
					return err
				}
				fmt.Println("confirmed")
				return nil
			},
		},
		&cobra.Command{
			Use:   "cancel",
			Short: "Cancel the pending prompt",
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := apiPost("/api/human/cancel", struct{}{}, nil); err != nil {
					return err
				}
				fmt.Println("cancelled")
				return nil
			},
		},
		newHumanAskCmd(),
	)
	return cmd
}

func newHumanAskCmd() *cobra.Command {
	var timeout float64
	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Post a prompt and wait for the answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Confirmed bool `json:"confirmed"`
				Timeout   bool `json:"timeout"`
			}
			body := map[string]interface{}{"message": args[0], "timeout": timeout}
			if err := apiPost("/api/human-interaction", body, &resp); err != nil {
				return err
			}
			switch {
			case resp.Timeout:
				fmt.Println("timed out")
			case resp.Confirmed:
				fmt.Println("confirmed")
			default:
				fmt.Println("cancelled")
			}
			return nil
		},
	}
	cmd.Flags().Float64VarP(&timeout, "timeout", "t", 300, "wait limit in seconds")
	return cmd
}
