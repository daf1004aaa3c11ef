package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/droidkit/uia2"
	"github.com/droidkit/uia2/adb"
	"github.com/droidkit/uia2/internal/fakeservice"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "uia2ctl",
		Usage: "control the uiautomator2 service on an Android device",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "serial",
				Usage: "Device serial for a bridged session.",
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "host:port of an externally managed service, for a direct session.",
			},
			&cli.StringFlag{
				Name:  "adb",
				Usage: "Address of the adb server.",
				Value: adb.DefaultAddr,
			},
			&cli.StringFlag{
				Name:  "jar",
				Usage: "Local path of the server artifact to hash-check and push.",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "ping",
				Usage: "Check whether the service answers the health check.",
				Action: withClient(func(ctx context.Context, c *uia2.Client, cCtx *cli.Context) error {
					if !c.Ping(ctx) {
						return fmt.Errorf("service on %s is not alive", c.Serial())
					}
					fmt.Println("pong")
					return nil
				}, true),
			},
			{
				Name:  "start",
				Usage: "Install (if needed) and start the service.",
				Action: withClient(func(ctx context.Context, c *uia2.Client, cCtx *cli.Context) error {
					if err := c.Start(ctx); err != nil {
						return err
					}
					fmt.Printf("service %s\n", c.State())
					return nil
				}, true),
			},
			{
				Name:  "stop",
				Usage: "Stop the service.",
				Action: withClient(func(ctx context.Context, c *uia2.Client, cCtx *cli.Context) error {
					return c.Stop(ctx)
				}, true),
			},
			{
				Name:      "call",
				Usage:     "Invoke a JSON-RPC method: call <method> [params-json]",
				ArgsUsage: "<method> [params-json]",
				Action: withClient(func(ctx context.Context, c *uia2.Client, cCtx *cli.Context) error {
					method := cCtx.Args().Get(0)
					if method == "" {
						return fmt.Errorf("missing method name")
					}
					var params interface{}
					if raw := cCtx.Args().Get(1); raw != "" {
						if err := json.Unmarshal([]byte(raw), &params); err != nil {
							return fmt.Errorf("parsing params: %w", err)
						}
					}
					result, err := c.Call(ctx, method, params)
					if err != nil {
						return err
					}
					return json.NewEncoder(os.Stdout).Encode(result)
				}, false),
			},
			{
				Name:  "info",
				Usage: "Print device info reported by the service.",
				Action: withClient(func(ctx context.Context, c *uia2.Client, cCtx *cli.Context) error {
					info, err := c.DeviceInfo(ctx)
					if err != nil {
						return err
					}
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(info)
				}, false),
			},
			{
				Name:      "shell",
				Usage:     "Run a shell command on the device.",
				ArgsUsage: "<command>",
				Action: withClient(func(ctx context.Context, c *uia2.Client, cCtx *cli.Context) error {
					cmd := cCtx.Args().First()
					if cmd == "" {
						return fmt.Errorf("missing command")
					}
					out, err := c.Shell(ctx, cmd)
					if err != nil {
						return err
					}
					fmt.Print(out)
					return nil
				}, false),
			},
			{
				Name:      "push",
				Usage:     "Push a local file to the device (bridged sessions only).",
				ArgsUsage: "<local> <remote>",
				Action: withClient(func(ctx context.Context, c *uia2.Client, cCtx *cli.Context) error {
					local, remote := cCtx.Args().Get(0), cCtx.Args().Get(1)
					if local == "" || remote == "" {
						return fmt.Errorf("usage: push <local> <remote>")
					}
					f, err := os.Open(local)
					if err != nil {
						return err
					}
					defer f.Close()
					return c.Push(ctx, f, remote, 0o644)
				}, true),
			},
			{
				Name:      "pull",
				Usage:     "Pull a device file to a local path (bridged sessions only).",
				ArgsUsage: "<remote> <local>",
				Action: withClient(func(ctx context.Context, c *uia2.Client, cCtx *cli.Context) error {
					remote, local := cCtx.Args().Get(0), cCtx.Args().Get(1)
					if remote == "" || local == "" {
						return fmt.Errorf("usage: pull <remote> <local>")
					}
					f, err := os.Create(local)
					if err != nil {
						return err
					}
					defer f.Close()
					return c.Pull(ctx, remote, f)
				}, true),
			},
			{
				Name:  "fakeservice",
				Usage: "Run an in-process stand-in for the on-device service.",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen",
						Usage: "Listen address.",
						Value: "127.0.0.1:9008",
					},
				},
				Action: func(cCtx *cli.Context) error {
					logger, err := buildLogger(cCtx)
					if err != nil {
						return err
					}
					svc := fakeservice.New(logger.Sugar())
					svc.Handle("deviceInfo", func(params json.RawMessage) (interface{}, *fakeservice.RPCError) {
						return map[string]interface{}{
							"displayWidth":  1080,
							"displayHeight": 1920,
							"sdkInt":        33,
							"productName":   "fakeservice",
							"screenOn":      true,
						}, nil
					})
					if err := svc.Start(cCtx.String("listen")); err != nil {
						return err
					}
					fmt.Printf("fake service listening on %s\n", svc.Addr())
					sig := make(chan os.Signal, 1)
					signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
					<-sig
					return svc.Stop()
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func buildLogger(cCtx *cli.Context) (*zap.Logger, error) {
	if cCtx.Bool("debug") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// withClient opens a session per the global flags and runs the action. The
// service is left running afterwards; use the stop command to tear it down.
// manual skips the automatic service start, for commands that manage the
// lifecycle themselves or only probe it.
func withClient(action func(ctx context.Context, c *uia2.Client, cCtx *cli.Context) error, manual bool) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		ctx := cCtx.Context
		logger, err := buildLogger(cCtx)
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}

		opts := []uia2.Option{uia2.WithLogger(logger)}
		if jar := cCtx.String("jar"); jar != "" {
			opts = append(opts, uia2.WithServerJar(jar))
		}
		if manual {
			opts = append(opts, uia2.WithManualStart())
		}

		var c *uia2.Client
		switch {
		case cCtx.String("addr") != "":
			host, port, err := splitAddr(cCtx.String("addr"))
			if err != nil {
				return err
			}
			c, err = uia2.ConnectAddr(ctx, host, port, opts...)
			if err != nil {
				return err
			}
		case cCtx.String("serial") != "":
			bridge := adb.NewClient(cCtx.String("adb"), logger.Sugar())
			c, err = uia2.Connect(ctx, bridge, cCtx.String("serial"), opts...)
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("one of --serial or --addr is required")
		}

		return action(ctx, c, cCtx)
	}
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, uia2.DefaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("parsing port in %q: %w", addr, err)
	}
	return host, port, nil
}
