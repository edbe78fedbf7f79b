package flag

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/govhost/logging"
	"github.com/bobuhiro11/govhost/probe"
	"github.com/bobuhiro11/govhost/target"
)

const (
	programName = "govhost"
	programDesc = "govhost is a vhost-user slave which serves virtio devices to a VMM"
)

func Parse() error {
	c := CLI{}

	ctx := kong.Parse(&c, options()...)

	err := ctx.Run()

	return err
}

func options() []kong.Option {
	return []kong.Option{
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
	}
}

func (s *ServeCMD) Run() error {
	cfg, err := s.Config()
	if err != nil {
		return err
	}

	logging.Init(programName, cfg.Logging)

	t := target.New(cfg.Target)

	if err := t.Init(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return t.Serve(ctx)
}

func (p *ProbeCMD) Run() error {
	info, err := probe.Slave(p.Socket)
	if err != nil {
		return err
	}

	probe.Print(os.Stdout, info)

	return nil
}

func (c *CtlCMD) Run() error {
	out, err := target.SendControl(c.Control, strings.Join(c.Command, " "))
	if out != "" {
		fmt.Println(out)
	}

	return err
}
