package main

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Logging   logConf
	Transport transportConf
	Echo      echoConf
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// transportConf describes the Transport-configuration block.
type transportConf struct {
	Role              string
	Listen            string
	Remote            string
	Conv              uint32
	KeepaliveInterval uint `toml:"keepalive-interval"`
}

// echoConf describes the client's Echo-configuration block.
type echoConf struct {
	Message  string
	Interval uint
}

func (tc tomlConfig) keepaliveInterval() time.Duration {
	if tc.Transport.KeepaliveInterval == 0 {
		return 15 * time.Second
	}
	return time.Duration(tc.Transport.KeepaliveInterval) * time.Second
}

func (tc tomlConfig) echoInterval() time.Duration {
	if tc.Echo.Interval == 0 {
		return 5 * time.Second
	}
	return time.Duration(tc.Echo.Interval) * time.Second
}

// applyLogging configures logrus from the Logging block.
func applyLogging(conf logConf) error {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			return err
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			DisableTimestamp: false,
			FullTimestamp:    true,
		})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("unknown logging format: %s", conf.Format)
	}

	return nil
}

// parseConfig reads the configuration file.
func parseConfig(filename string) (conf tomlConfig, err error) {
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	switch conf.Transport.Role {
	case "client":
		if conf.Transport.Remote == "" {
			err = fmt.Errorf("transport.remote is required for the client role")
			return
		}
	case "server":
		if conf.Transport.Listen == "" {
			err = fmt.Errorf("transport.listen is required for the server role")
			return
		}
	default:
		err = fmt.Errorf("unknown transport.role: %s", conf.Transport.Role)
		return
	}

	err = applyLogging(conf.Logging)
	return
}

// watchConfig re-applies the Logging block whenever the configuration file
// changes, so the log level can be adjusted on a running daemon.
func watchConfig(filename string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filename); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == 0 {
					continue
				}
				var conf tomlConfig
				if _, err := toml.DecodeFile(filename, &conf); err != nil {
					log.WithError(err).Warn("Re-reading configuration errored")
					continue
				}
				if err := applyLogging(conf.Logging); err != nil {
					log.WithError(err).Warn("Re-applying logging configuration errored")
				} else {
					log.WithField("level", log.GetLevel()).Info("Logging configuration reloaded")
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("Configuration watcher errored")
			}
		}
	}()

	return watcher, nil
}
