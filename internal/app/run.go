// Package app wires the whole client together: config, storage,
// transport, and the room session, plus the interactive console.
package app

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/watchwire/watchwire/internal/config"
	"github.com/watchwire/watchwire/internal/session"
	"github.com/watchwire/watchwire/internal/storage"
	"github.com/watchwire/watchwire/internal/transport"
	"github.com/watchwire/watchwire/internal/util"
)

var log = logging.Logger("app")

type Options struct {
	ClientDir string
	CfgPath   string
	Cfg       config.Config
	Room      string
}

func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	if err := setLogLevel(cfg.Log.Level); err != nil {
		return err
	}
	logBanner(opt.ClientDir, opt.CfgPath)

	// ── Storage
	dataDir := util.ResolvePath(opt.ClientDir, cfg.Paths.DataDir)
	db, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	// ── Transport
	header := http.Header{}
	header.Set("X-User-ID", cfg.Identity.UserID)
	tr := transport.DialWS(cfg.Server.URL, header)

	// ── Session
	sess, err := session.New(cfg, tr, db)
	if err != nil {
		_ = tr.Close()
		_ = db.Close()
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warnf("close session: %v", err)
		}
	}()

	// Hot-reload: only the log level can change while running, the
	// rest takes effect on restart.
	stopWatch, err := config.Watch(opt.CfgPath, func(next config.Config) {
		if next.Log.Level != cfg.Log.Level {
			if err := setLogLevel(next.Log.Level); err != nil {
				log.Warnf("config reload: %v", err)
				return
			}
			log.Infof("log level -> %s", next.Log.Level)
			cfg.Log.Level = next.Log.Level
		}
	})
	if err != nil {
		log.Warnf("config watch disabled: %v", err)
	} else {
		defer stopWatch()
	}

	room := opt.Room
	if room == "" {
		room = "lobby"
	}
	if err := sess.JoinRoom(room); err != nil {
		return err
	}
	log.Infof("joined room %q as %s", room, cfg.Identity.UserID)

	go printEvents(ctx, sess)
	go console(ctx, sess)

	<-ctx.Done()
	fmt.Println()
	log.Infof("shutting down")
	return nil
}

func setLogLevel(level string) error {
	if level == "" {
		level = "info"
	}
	if err := logging.SetLogLevel("*", level); err != nil {
		return fmt.Errorf("set log level %q: %w", level, err)
	}
	return nil
}

// printEvents mirrors room activity onto the console.
func printEvents(ctx context.Context, sess *session.Session) {
	msgs, offMsgs := sess.Chat.SubscribeMessages()
	defer offMsgs()
	typing, offTyping := sess.Chat.SubscribeTyping()
	defer offTyping()
	pres, offPres := sess.Presence.Subscribe()
	defer offPres()
	media, offMedia := sess.Media.Subscribe()
	defer offMedia()
	links, offLinks := sess.Signal.Subscribe()
	defer offLinks()

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-msgs:
			fmt.Printf("[%s] %s: %s (%s)\n",
				time.UnixMilli(m.Timestamp).Format("15:04:05"), m.SenderID, m.Content, m.Status)
		case t := <-typing:
			if t.Typing {
				fmt.Printf("… %s is typing\n", t.UserID)
			}
		case p := <-pres:
			fmt.Printf("● %s is %s\n", p.UserID, p.Status)
		case a := <-media:
			switch {
			case a.Seek != nil:
				fmt.Printf("▸ playback jumped to %.0f%%\n", *a.Seek*100)
			case a.Playing != nil && *a.Playing:
				fmt.Println("▸ playing")
			case a.Playing != nil:
				fmt.Println("▸ paused")
			default:
				fmt.Printf("▸ now watching: %s\n", a.Title)
			}
		case e := <-links:
			fmt.Printf("⇄ peer %s: %s\n", e.PeerID, e.State)
		}
	}
}

// console reads commands from stdin. Plain lines are chat messages.
func console(ctx context.Context, sess *session.Session) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		sess.Presence.Activity()
		if !strings.HasPrefix(line, "/") {
			if _, err := sess.Chat.Send(ctx, line, "text", nil); err != nil {
				fmt.Printf("send failed, queued for retry: %v\n", err)
			}
			continue
		}
		if err := runCommand(ctx, sess, line); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func runCommand(ctx context.Context, sess *session.Session, line string) error {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/peers":
		for _, p := range sess.Signal.Peers() {
			fmt.Println(" ", p)
		}
	case "/who":
		for id, rec := range sess.Presence.Snapshot() {
			fmt.Printf("  %s: %s\n", id, rec.Status)
		}
	case "/queue":
		fmt.Printf("  %d message(s) queued\n", sess.Chat.QueueLen())
	case "/retry":
		if len(args) != 1 {
			return fmt.Errorf("usage: /retry <message-id>")
		}
		return sess.Chat.Retry(ctx, args[0])
	case "/play":
		return sess.Media.TogglePlayPause(true)
	case "/pause":
		return sess.Media.TogglePlayPause(false)
	case "/seek":
		if len(args) != 1 {
			return fmt.Errorf("usage: /seek <progress 0..1>")
		}
		var p float64
		if _, err := fmt.Sscanf(args[0], "%f", &p); err != nil {
			return fmt.Errorf("bad progress %q", args[0])
		}
		return sess.Media.Seek(p)
	case "/room":
		if len(args) != 1 {
			return fmt.Errorf("usage: /room <id>")
		}
		if err := sess.LeaveRoom(); err != nil {
			log.Warnf("leave room: %v", err)
		}
		return sess.JoinRoom(args[0])
	default:
		return fmt.Errorf("unknown command %s", cmd)
	}
	return nil
}
