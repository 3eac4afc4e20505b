// Command chatc-client is a line-oriented terminal client for the chat
// broker. Plain input publishes to the current target; slash commands
// switch targets and trigger requests.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/linhpt111/chatc/internal/client"
	"github.com/linhpt111/chatc/internal/protocol"
)

const usage = `commands:
  /dm <user>            talk to a user (direct messages)
  /group <name>         talk to a group (joins it first)
  /leave <name>         leave a group
  /users                list online users
  /history              replay the current conversation
  /file <path>          send a file to the current target
  /game <user> <data>   send an opaque game payload to a user
  /quit                 exit`

type target struct {
	name    string
	isGroup bool
}

func (t target) topic(self string) string {
	if t.isGroup {
		return t.name
	}
	return protocol.DMTopic(self, t.name)
}

func main() {
	var (
		addr     = flag.String("addr", fmt.Sprintf("127.0.0.1:%d", protocol.DefaultPort), "broker address")
		username = flag.String("user", "", "username to log in with (required)")
		logLevel = flag.String("log-level", "warn", "client log level")
	)
	flag.Parse()

	if *username == "" {
		fmt.Fprintln(os.Stderr, "usage: chatc-client -user <name> [-addr host:port]")
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	handlers := client.Handlers{
		Message: func(sender, topic, text string) {
			fmt.Printf("[%s] %s: %s\n", topic, sender, text)
		},
		FileReceived: func(sender, filename string, size uint32, path string) {
			fmt.Printf("[file] received %q (%d bytes) from %s -> %s\n", filename, size, sender, path)
		},
		UserStatus: func(user string, online bool) {
			state := "offline"
			if online {
				state = "online"
			}
			fmt.Printf("[presence] %s is %s\n", user, state)
		},
		UserList: func(users []string) {
			fmt.Printf("[online] %s\n", strings.Join(users, ", "))
		},
		History: func(sender, topic, text string, ts uint64) {
			fmt.Printf("[history %s] %s: %s\n", time.Unix(int64(ts), 0).Format("15:04"), sender, text)
		},
		GroupCreated: func(name, creator string) {
			fmt.Printf("[group] %q created by %s\n", name, creator)
		},
		GroupList: func(groups []client.GroupInfo) {
			var parts []string
			for _, g := range groups {
				if g.Member {
					parts = append(parts, g.Name+" (member)")
				} else {
					parts = append(parts, g.Name)
				}
			}
			fmt.Printf("[groups] %s\n", strings.Join(parts, ", "))
		},
		Game: func(from, payload string) {
			fmt.Printf("[game] %s: %s\n", from, payload)
		},
		Ack: func(message string) {
			fmt.Printf("[ok] %s\n", message)
		},
		Error: func(message string) {
			fmt.Printf("[error] %s\n", message)
		},
		Disconnected: func(err error) {
			if err != nil {
				fmt.Printf("[disconnected] %v\n", err)
			}
			os.Exit(0)
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	c, err := client.Dial(ctx, *addr, *username, client.Options{Handlers: handlers, Logger: logger})
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	fmt.Printf("connected to %s as %q\n%s\n", *addr, c.Username(), usage)

	var cur target
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if cur.name == "" {
				fmt.Println("no target; use /dm <user> or /group <name>")
				continue
			}
			if cur.isGroup {
				err = c.SendGroup(cur.name, line)
			} else {
				err = c.SendDirect(cur.name, line)
			}
			if err != nil {
				fmt.Printf("[error] %v\n", err)
			}
			continue
		}

		cmd, arg, _ := strings.Cut(line[1:], " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "dm":
			if arg == "" {
				fmt.Println("usage: /dm <user>")
				continue
			}
			cur = target{name: arg}
			fmt.Printf("talking to %s\n", arg)
		case "group":
			if arg == "" {
				fmt.Println("usage: /group <name>")
				continue
			}
			if err := c.Subscribe(arg); err != nil {
				fmt.Printf("[error] %v\n", err)
				continue
			}
			cur = target{name: arg, isGroup: true}
			fmt.Printf("talking in %s\n", arg)
		case "leave":
			if arg == "" {
				fmt.Println("usage: /leave <name>")
				continue
			}
			if err := c.Unsubscribe(arg); err != nil {
				fmt.Printf("[error] %v\n", err)
			}
			if cur.isGroup && cur.name == arg {
				cur = target{}
			}
		case "users":
			if err := c.RequestUserList(); err != nil {
				fmt.Printf("[error] %v\n", err)
			}
		case "history":
			if cur.name == "" {
				fmt.Println("no target; use /dm or /group first")
				continue
			}
			if err := c.RequestHistory(cur.topic(c.Username())); err != nil {
				fmt.Printf("[error] %v\n", err)
			}
		case "file":
			if cur.name == "" || arg == "" {
				fmt.Println("usage: /file <path> (after /dm or /group)")
				continue
			}
			if cur.isGroup {
				err = c.SendFileToGroup(cur.name, arg)
			} else {
				err = c.SendFileToUser(cur.name, arg)
			}
			if err != nil {
				fmt.Printf("[error] %v\n", err)
			}
		case "game":
			peer, payload, ok := strings.Cut(arg, " ")
			if !ok {
				fmt.Println("usage: /game <user> <payload>")
				continue
			}
			if err := c.SendGame(peer, payload); err != nil {
				fmt.Printf("[error] %v\n", err)
			}
		case "quit", "exit":
			return
		default:
			fmt.Println(usage)
		}
	}
}
