// streamedd is a small daemon exercising the streamed multiplexing stack
// over real UDP: the server role accepts streams and echoes their bytes
// back, the client role opens one stream and pushes a message periodically.
package main

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/lock4u/vproxy/arqudp"
	"github.com/lock4u/vproxy/bytebuf"
	"github.com/lock4u/vproxy/eventloop"
	"github.com/lock4u/vproxy/streamed"
)

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	conf, err := parseConfig(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("Loading configuration errored")
	}

	watcher, err := watchConfig(os.Args[1])
	if err != nil {
		log.WithError(err).Warn("Watching configuration errored")
	} else {
		defer watcher.Close()
	}

	loop := eventloop.New("streamedd")
	defer func() {
		if err := loop.Close(); err != nil {
			log.WithError(err).Warn("Closing event loop errored")
		}
	}()

	switch conf.Transport.Role {
	case "server":
		if err := runServer(loop, conf); err != nil {
			log.WithError(err).Fatal("Starting server errored")
		}
	case "client":
		if err := runClient(loop, conf); err != nil {
			log.WithError(err).Fatal("Starting client errored")
		}
	}

	signalSyn := make(chan os.Signal, 1)
	signal.Notify(signalSyn, syscall.SIGINT, syscall.SIGTERM)
	<-signalSyn
	log.Info("Shutting down")
}

func kcpBuilder(conv uint32, ident string) arqudp.HandlerBuilder {
	return func(emit func(*bytebuf.Channel)) arqudp.Handler {
		return arqudp.NewKCPHandler(emit, conv, ident)
	}
}

// runServer demultiplexes incoming UDP peers into one streamed handler
// each, with an echo responder behind the virtual listener.
func runServer(loop *eventloop.EventLoop, conf tomlConfig) error {
	listener, err := arqudp.ListenUDP(loop, conf.Transport.Listen, func(child *arqudp.UDPChildFD) {
		if err := serveConnection(loop, conf, child); err != nil {
			log.WithError(err).WithField("peer", child.RemoteAddr()).Error("Setting up peer errored")
		}
	})
	if err != nil {
		return err
	}
	log.WithField("listen", listener.Addr()).Info("Server listening")
	return nil
}

func serveConnection(loop *eventloop.EventLoop, conf tomlConfig, child *arqudp.UDPChildFD) error {
	sock, err := arqudp.NewSocketFD(loop, child, kcpBuilder(conf.Transport.Conv, child.String()))
	if err != nil {
		return err
	}

	handler := streamed.New(loop, sock, streamed.RoleServer, streamed.NewVFramer(), streamed.Callbacks{
		Ready: func(fd streamed.TransportFD) {
			log.WithField("fd", fd.String()).Info("Peer connection established")
		},
		Invalid: func(fd streamed.TransportFD) {
			log.WithField("fd", fd.String()).Warn("Peer connection invalidated")
			loop.Remove(sock)
			if err := sock.Close(); err != nil {
				log.WithError(err).Warn("Closing arq socket errored")
			}
		},
	})

	server, err := streamed.NewServerFD(handler, sock.LocalAddr())
	if err != nil {
		return err
	}
	if err := loop.Register(server, eventloop.Readable, &acceptHandler{loop: loop, server: server}); err != nil {
		return err
	}
	if err := handler.Register(); err != nil {
		return err
	}

	loop.Period(conf.keepaliveInterval(), handler.Probe)
	return nil
}

// acceptHandler drains the virtual listener and hangs an echo responder on
// every accepted stream.
type acceptHandler struct {
	loop   *eventloop.EventLoop
	server *streamed.ServerFD
}

func (a *acceptHandler) Readable() {
	for {
		stream, err := a.server.Accept()
		if err != nil {
			log.WithError(err).Warn("Accepting stream errored")
			return
		}
		if stream == nil {
			return
		}
		log.WithField("stream", stream.String()).Info("Accepted stream")
		if err := a.loop.Register(stream, eventloop.Readable, &echoHandler{loop: a.loop, stream: stream}); err != nil {
			log.WithError(err).Error("Registering stream errored")
		}
	}
}

func (a *acceptHandler) Writable() {}
func (a *acceptHandler) Removed()  {}

// echoHandler writes every received byte straight back.
type echoHandler struct {
	loop   *eventloop.EventLoop
	stream *streamed.FD
}

func (e *echoHandler) Readable() {
	buf := make([]byte, 4096)
	for {
		n, err := e.stream.Read(buf)
		if err == io.EOF {
			log.WithField("stream", e.stream.String()).Info("Stream reached EOF, closing")
			if err := e.stream.Close(); err != nil {
				log.WithError(err).Debug("Closing stream errored")
			}
			e.loop.Remove(e.stream)
			return
		}
		if err != nil {
			log.WithError(err).WithField("stream", e.stream.String()).Warn("Reading stream errored")
			e.loop.Remove(e.stream)
			return
		}
		if n == 0 {
			return
		}
		if _, err := e.stream.Write(buf[:n]); err != nil {
			log.WithError(err).WithField("stream", e.stream.String()).Warn("Echoing errored")
			return
		}
	}
}

func (e *echoHandler) Writable() {}
func (e *echoHandler) Removed()  {}

// runClient connects out, opens one stream and pushes the configured
// message periodically, logging whatever comes back.
func runClient(loop *eventloop.EventLoop, conf tomlConfig) error {
	raw, err := arqudp.DialUDP(loop, conf.Transport.Remote)
	if err != nil {
		return err
	}
	sock, err := arqudp.NewSocketFD(loop, raw, kcpBuilder(conf.Transport.Conv, raw.String()))
	if err != nil {
		return err
	}

	var handler *streamed.Handler
	handler = streamed.New(loop, sock, streamed.RoleClient, streamed.NewVFramer(), streamed.Callbacks{
		Ready: func(fd streamed.TransportFD) {
			log.WithField("fd", fd.String()).Info("Connection established")
			stream, err := handler.Open()
			if err != nil {
				log.WithError(err).Error("Opening stream errored")
				return
			}
			if err := handler.SendSYN(stream); err != nil {
				log.WithError(err).Error("Sending SYN errored")
				return
			}
			if err := loop.Register(stream, eventloop.Readable, &printHandler{loop: loop, stream: stream}); err != nil {
				log.WithError(err).Error("Registering stream errored")
				return
			}
			loop.Period(conf.echoInterval(), func() {
				if stream.State() != streamed.StateEstablished && stream.State() != streamed.StateSynSent {
					return
				}
				if _, err := stream.Write([]byte(conf.Echo.Message)); err != nil {
					log.WithError(err).Warn("Writing message errored")
				}
			})
		},
		Invalid: func(fd streamed.TransportFD) {
			log.WithField("fd", fd.String()).Error("Connection invalidated")
			loop.Remove(sock)
			if err := sock.Close(); err != nil {
				log.WithError(err).Warn("Closing arq socket errored")
			}
		},
	})

	if err := handler.Register(); err != nil {
		return err
	}
	loop.Period(conf.keepaliveInterval(), handler.Probe)
	return nil
}

// printHandler logs received bytes.
type printHandler struct {
	loop   *eventloop.EventLoop
	stream *streamed.FD
}

func (p *printHandler) Readable() {
	buf := make([]byte, 4096)
	for {
		n, err := p.stream.Read(buf)
		if err == io.EOF {
			log.WithField("stream", p.stream.String()).Info("Stream reached EOF")
			p.loop.Remove(p.stream)
			return
		}
		if err != nil {
			log.WithError(err).WithField("stream", p.stream.String()).Warn("Reading stream errored")
			p.loop.Remove(p.stream)
			return
		}
		if n == 0 {
			return
		}
		log.WithFields(log.Fields{
			"stream": p.stream.String(),
			"data":   string(buf[:n]),
		}).Info("Received")
	}
}

func (p *printHandler) Writable() {}
func (p *printHandler) Removed()  {}
