package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/docopt/docopt-go"

	"canvaspad.com/collab"
	"canvaspad.com/collab/protocol"
)

const CollabCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Canvaspad collaboration control.

Usage:
    collabctl watch --url=<url> --project=<project> --jwt=<jwt>
        [--tab=<tab>] [--debug]
    collabctl op --url=<url> --project=<project> --jwt=<jwt>
        --op_type=<op_type> --data=<data>
        [--tab=<tab>]
    collabctl mint-jwt --user=<user>
        [--display_name=<display_name>]
        [--secret=<secret>]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --url=<url>                    Relay websocket url, e.g. wss://relay.canvaspad.com/ws
    --project=<project>            Project id.
    --jwt=<jwt>                    Your session JWT.
    --tab=<tab>                    Tab id. Random when omitted.
    --op_type=<op_type>            Operation type, e.g. node_create.
    --debug                        Trace operation traffic.
    --data=<data>                  Operation params as JSON.
    --user=<user>                  Username claim for a dev token.
    --display_name=<display_name>  Display name claim.
    --secret=<secret>              Dev signing secret. [default: dev]`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if op_, _ := opts.Bool("op"); op_ {
		op(opts)
	} else if mintJwt_, _ := opts.Bool("mint-jwt"); mintJwt_ {
		mintJwt(opts)
	}
}

func newClient(ctx context.Context, opts docopt.Opts) (*collab.CanvasClient, error) {
	url, _ := opts.String("--url")
	projectId, _ := opts.String("--project")
	byJwt, _ := opts.String("--jwt")
	tabId, _ := opts.String("--tab")
	if tabId == "" {
		tabId = collab.NewId().String()
	}

	auth := &collab.SessionAuth{
		ByJwt: byJwt,
		TabId: tabId,
	}
	return collab.NewCanvasClientWithDefaults(ctx, url, projectId, auth, nil)
}

// join a project and log membership and operations until interrupted
func watch(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := collab.LogFn(collab.LogLevelInfo, "watch")
	opLog := collab.SubLogFn(collab.LogLevelDebug, log, "op")
	collab.GlobalLogLevel = collab.LogLevelInfo
	if debug_, _ := opts.Bool("--debug"); debug_ {
		collab.GlobalLogLevel = collab.LogLevelDebug
	}

	client, err := newClient(cancelCtx, opts)
	if err != nil {
		Err.Printf("%s", err)
		return
	}
	defer client.Close()

	client.Sync().AddSessionCallback(func(state collab.SessionState) {
		log("session %s", state)
	})
	client.Sync().AddMembershipCallback(func(members []protocol.MemberInfo) {
		names := []string{}
		for _, member := range members {
			names = append(names, member.Username)
		}
		log("members %v", names)
	})
	client.LocalFirst().AddNotifyCallback(func(message string) {
		log("notice: %s", message)
	})
	client.Network().AddMessageCallback(func(messageType string, message []byte) {
		if messageType == protocol.MessageTypeOperation {
			opLog("<- %s", message)
		}
	})

	client.Start()

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigC:
	case <-cancelCtx.Done():
	}
}

// submit a single operation and wait briefly for the echo
func op(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opType, _ := opts.String("--op_type")
	dataStr, _ := opts.String("--data")

	var data json.RawMessage
	if err := json.Unmarshal([]byte(dataStr), &data); err != nil {
		Err.Printf("bad --data: %s", err)
		return
	}

	client, err := newClient(cancelCtx, opts)
	if err != nil {
		Err.Printf("%s", err)
		return
	}
	defer client.Close()

	joined := make(chan struct{}, 1)
	client.Sync().AddSessionCallback(func(state collab.SessionState) {
		if state == collab.SessionStateJoined {
			select {
			case joined <- struct{}{}:
			default:
			}
		}
	})

	client.Start()

	select {
	case <-joined:
	case <-time.After(15 * time.Second):
		Err.Printf("join timeout")
		return
	}

	result := client.Pipeline().Execute(opType, collab.OriginLocal, data, collab.ExecuteOptions{})
	if !result.Success {
		Err.Printf("%s", result.Err)
		return
	}
	Out.Printf("ok %s", result.Command.Id())

	// give the relay a moment to assign a sequence
	time.Sleep(2 * time.Second)
	Out.Printf("sequence %d", client.Sync().Sequence())
}

// dev only token for local relay testing
func mintJwt(opts docopt.Opts) {
	username, _ := opts.String("--user")
	displayName, _ := opts.String("--display_name")
	secret, _ := opts.String("--secret")

	claims := gojwt.MapClaims{
		"user_id":   collab.NewId().String(),
		"user_name": username,
		"iat":       time.Now().Unix(),
	}
	if displayName != "" {
		claims["display_name"] = displayName
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		Err.Printf("%s", err)
		return
	}
	fmt.Println(signed)
}
