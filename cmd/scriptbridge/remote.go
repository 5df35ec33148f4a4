package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"scriptbridge/client"
	"scriptbridge/codec"
	"scriptbridge/config"
	"scriptbridge/loadbalance"
	"scriptbridge/message"
	"scriptbridge/registry"
)

// remoteOptions locate a gateway: either one address, or etcd discovery.
type remoteOptions struct {
	addr     string
	etcd     []string
	service  string
	host     string
	codec    string
	balancer string
	timeout  time.Duration
}

func (o *remoteOptions) register(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&o.addr, "addr", "", "gateway address, skips discovery")
	f.StringSliceVar(&o.etcd, "etcd", nil, "etcd endpoints to discover gateways from")
	f.StringVar(&o.service, "service", config.DefaultService, "service name gateways register under")
	f.StringVar(&o.host, "host", "", "host to reach; empty picks any gateway")
	f.StringVar(&o.codec, "codec", config.DefaultCodec, "request codec: binary or json")
	f.StringVar(&o.balancer, "balancer", "round_robin", "gateway choice: round_robin or weighted")
	f.DurationVar(&o.timeout, "timeout", 30*time.Second, "time to wait for the answer")
}

func (o *remoteOptions) dial() (*client.Client, func(), error) {
	ct, err := codec.ParseCodecType(o.codec)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case o.addr != "" && len(o.etcd) > 0:
		return nil, nil, errors.New("--addr and --etcd are exclusive")
	case o.addr != "":
		c := client.Dial(o.addr, o.service, ct)
		return c, c.Close, nil
	case len(o.etcd) > 0:
		bal, err := loadbalance.New(o.balancer)
		if err != nil {
			return nil, nil, err
		}
		reg, err := registry.NewEtcdRegistry(o.etcd, 5*time.Second, zap.NewNop())
		if err != nil {
			return nil, nil, err
		}
		c := client.NewClient(reg, bal, o.service, ct, 1)
		return c, func() {
			c.Close()
			reg.Close()
		}, nil
	}
	return nil, nil, errors.New("one of --addr or --etcd is required")
}

// call sends msg and prints the answer. Failures are returned, trace and all.
func (o *remoteOptions) call(app *App, out io.Writer, msg *message.RPCMessage) error {
	c, closeFn, err := o.dial()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(app.Context, o.timeout)
	defer cancel()
	text, err := c.Call(ctx, o.host, msg)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, text)
	return nil
}

// readSource reads a script file, "-" meaning stdin.
func readSource(cmd *cobra.Command, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", errors.Wrapf(err, "read %s", path)
	}
	return string(data), nil
}

func newRunCommand(app *App, o *remoteOptions) *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Execute a script in the host's persistent namespace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case code != "" && len(args) > 0:
				return errors.New("give either --code or a file")
			case len(args) > 0:
				src, err := readSource(cmd, args[0])
				if err != nil {
					return err
				}
				code = src
			case code == "":
				return errors.New("nothing to run")
			}
			return o.call(app, cmd.OutOrStdout(), &message.RPCMessage{Type: message.TypeRun, Text: message.String(code)})
		},
	}
	cmd.Flags().StringVarP(&code, "code", "e", "", "script text")
	return cmd
}

func newAddCommand(app *App, o *remoteOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add <name> <file>",
		Short: "Store a module source; it is compiled by the next reload",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := readSource(cmd, args[1])
			if err != nil {
				return err
			}
			return o.call(app, cmd.OutOrStdout(), &message.RPCMessage{
				Type:       message.TypeAddModule,
				ModuleName: message.String(args[0]),
				Text:       message.String(src),
			})
		},
	}
}

func newRemoveCommand(app *App, o *remoteOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Drop a module; it is unloaded by the next reload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.call(app, cmd.OutOrStdout(), &message.RPCMessage{
				Type:       message.TypeRemoveModule,
				ModuleName: message.String(args[0]),
			})
		},
	}
}

func newReloadCommand(app *App, o *remoteOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Unload and reimport every module, printing the ones that loaded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.call(app, cmd.OutOrStdout(), &message.RPCMessage{Type: message.TypeReloadModules})
		},
	}
}

func newCallCommand(app *App, o *remoteOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "call <module> <function> [json-args]",
		Short: "Call a module function with a JSON array of positional arguments",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := &message.RPCMessage{
				Type:         message.TypeCallFunction,
				ModuleName:   message.String(args[0]),
				FunctionName: message.String(args[1]),
			}
			if len(args) == 3 {
				msg.Text = message.String(args[2])
			}
			return o.call(app, cmd.OutOrStdout(), msg)
		},
	}
}
