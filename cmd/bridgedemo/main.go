// Command bridgedemo launches a copy of itself as a child process, then
// talks to it: directly over the launcher connection, and over a channel
// opened to the child's process. It also renders a few frames on a
// headless render thread.
//
// Run with: go run ./cmd/bridgedemo/ -log-level debug
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-osbridge/channel"
	"github.com/joeycumines/go-osbridge/glthread"
	"github.com/joeycumines/go-osbridge/internal/logging"
	"github.com/joeycumines/go-osbridge/looper"
	"github.com/joeycumines/go-osbridge/process"
)

const envLogLevel = `OSBRIDGE_LOG_LEVEL`

const (
	opEcho = looper.FirstApplicationOpcode + iota
	opEchoReply
	opGreeting
)

var entries = map[string]process.EntryFunc{
	`echo`: echoEntry,
}

func main() {
	if process.IsChildInvocation(os.Args) {
		os.Exit(runChild())
	}
	os.Exit(runParent())
}

func runParent() int {
	var (
		levelFlag    = flag.String(`log-level`, envOr(envLogLevel, `info`), `log level, e.g. debug, info, warning (env `+envLogLevel+`)`)
		childTimeout = flag.Duration(`child-timeout`, 10*time.Second, `bound on the whole exchange with the child`)
		frames       = flag.Int(`frames`, 3, `frames to render on the headless render thread`)
	)
	flag.Parse()

	level, err := logging.ParseLevel(*levelFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	logger := logging.New(os.Stderr, level)
	logging.SetDefault(logger)
	looper.SetLogger(logger)

	looper.PrepareMainLooper()
	p := process.New(process.WithLogger(logger))
	process.Initialize(p)
	launcher := process.NewLauncher(p,
		process.WithLogger(logger),
		process.WithSpawner(&process.ExecSpawner{
			Env: append(os.Environ(), envLogLevel+`=`+*levelFlag),
		}),
	)
	defer launcher.Close()

	err = p.Start(func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, *childTimeout)
		defer cancel()
		if err := render(ctx, logger, *frames); err != nil {
			return err
		}
		return talk(ctx, launcher, p, logger)
	})
	if err != nil {
		logger.Err().Err(err).Log(`bridgedemo: failed`)
		return 1
	}
	return 0
}

func talk(ctx context.Context, launcher *process.Launcher, p *process.Process, logger *logging.Logger) error {
	replies := make(chan looper.Message, 4)
	c, err := launcher.Connect(ctx, ``, `echo`, `hello from parent`, nil, func(id int32) {
		launcher.Connection(id).Filter().AddReceiver(`bridgedemo`, func(_ looper.Messenger, msg looper.Message) bool {
			switch msg.What {
			case opEchoReply, opGreeting:
				replies <- msg
				return true
			}
			return false
		})
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Unbind()
		select {
		case <-c.Exited():
		case <-time.After(time.Second):
		}
	}()

	select {
	case <-c.Launched():
	case <-ctx.Done():
		return fmt.Errorf(`bridgedemo: child did not launch: %w`, ctx.Err())
	}

	greeting, err := next(ctx, replies)
	if err != nil {
		return err
	}
	fmt.Printf("child %d (pid %d) says %q\n", c.ID(), greeting.Arg1, greeting.PeekData().GetString(`text`, ``))

	c.Send(looper.Message{What: opEcho, Arg1: 21})
	reply, err := next(ctx, replies)
	if err != nil {
		return err
	}
	fmt.Printf("connection echo: %d, args %q\n", reply.Arg1, reply.PeekData().GetString(`args`, ``))

	ch := channel.New(
		looper.NewHandlerForLooper(p.Looper()),
		c.Messenger(),
		channel.WithLogger(logger),
	)
	if err := ch.Connect(ctx); err != nil {
		return err
	}
	reply, err = ch.SendAndWait(ctx, looper.Message{What: opEcho, Arg1: 1}, opEchoReply)
	if err != nil {
		return err
	}
	fmt.Printf("channel %d echo: %d\n", ch.ID(), reply.Arg1)
	return ch.Disconnect(ctx)
}

func next(ctx context.Context, ch <-chan looper.Message) (looper.Message, error) {
	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		return looper.Message{}, fmt.Errorf(`bridgedemo: no reply: %w`, ctx.Err())
	}
}

type frameCounter struct {
	logger *logging.Logger
	target int32
	drawn  atomic.Int32
	done   chan struct{}
}

func (x *frameCounter) OnSurfaceCreated() {
	x.logger.Debug().Log(`bridgedemo: surface created`)
}

func (x *frameCounter) OnSurfaceChanged(width, height int) {
	x.logger.Debug().Int(`width`, width).Int(`height`, height).Log(`bridgedemo: surface changed`)
}

func (x *frameCounter) OnDrawFrame() {
	if x.drawn.Add(1) == x.target {
		close(x.done)
	}
}

func render(ctx context.Context, logger *logging.Logger, frames int) error {
	if frames <= 0 {
		return nil
	}
	r := &frameCounter{logger: logger, target: int32(frames), done: make(chan struct{})}
	v := glthread.NewView(glthread.WithRenderer(r), glthread.WithLogger(logger))
	defer v.Close()
	v.SurfaceCreated()
	v.SurfaceChanged(640, 480)
	select {
	case <-r.done:
		fmt.Printf("rendered %d frames\n", frames)
		return nil
	case <-ctx.Done():
		return fmt.Errorf(`bridgedemo: render: %w`, ctx.Err())
	}
}

func runChild() int {
	level, err := logging.ParseLevel(os.Getenv(envLogLevel))
	if err != nil {
		level = logiface.LevelInformational
	}
	logger := logging.New(os.Stderr, level).Clone().Int(`pid`, os.Getpid()).Logger()
	logging.SetDefault(logger)
	looper.SetLogger(logger)

	desc, err := process.ChildDescriptor(os.Args)
	if err != nil {
		logger.Err().Err(err).Log(`bridgedemo: bad launch descriptor`)
		return 2
	}
	transport, err := process.ChildTransport()
	if err != nil {
		logger.Err().Err(err).Log(`bridgedemo: no transport`)
		return 2
	}
	err = process.RunChild(context.Background(), desc, transport,
		process.WithEntries(entries),
		process.WithLogger(logger),
		process.WithChannelOptions(channel.WithAcceptFunc(acceptEcho)),
	)
	if err != nil {
		logger.Err().Err(err).Log(`bridgedemo: child failed`)
		return 1
	}
	return 0
}

// echoEntry answers opEcho on the launcher connection.
func echoEntry(ctx context.Context, p *process.Process, args string) error {
	p.Filter().AddReceiver(`echo`, func(_ looper.Messenger, msg looper.Message) bool {
		if msg.What != opEcho {
			return false
		}
		reply := looper.Message{What: opEchoReply, Arg1: msg.Arg1 * 2}
		reply.Data().PutString(`args`, args)
		p.Send(reply)
		return true
	})

	greeting := looper.Message{What: opGreeting, Arg1: int32(os.Getpid())}
	greeting.Data().PutString(`text`, `ready`)
	p.Send(greeting)

	<-ctx.Done()
	return nil
}

// acceptEcho answers opEcho on channels opened to the child.
func acceptEcho(h *channel.Host) {
	h.SetReceiver(func(msg looper.Message) {
		if msg.What == opEcho {
			h.Send(looper.Message{What: opEchoReply, Arg1: msg.Arg1 + 1})
		}
	})
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != `` {
		return v
	}
	return def
}
