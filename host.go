package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/lguibr/edgerunner/protocol"
	"github.com/lguibr/edgerunner/runner"
	"github.com/lguibr/edgerunner/tunnel"
	"github.com/sirupsen/logrus"
)

// demoHost logs lifecycle changes and echoes every tunnelled request and
// websocket message back to the caller.
func demoHost(log *logrus.Entry) runner.Host {
	return runner.Host{
		OnConnected:    func() { log.Info("connected") },
		OnDisconnected: func() { log.Warn("disconnected") },
		OnActorStart: func(_ context.Context, actorID string, generation uint32, config protocol.ActorConfig) error {
			log.WithFields(logrus.Fields{"actor": actorID, "generation": generation, "name": config.Name}).Info("actor started")
			return nil
		},
		OnActorStop: func(_ context.Context, actorID string, generation uint32) error {
			log.WithFields(logrus.Fields{"actor": actorID, "generation": generation}).Info("actor stopped")
			return nil
		},
		Fetch:     echoFetch,
		WebSocket: echoWebSocket,
	}
}

func echoFetch(_ context.Context, actorID string, req *http.Request) (*http.Response, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString(req.Method + " " + req.URL.RequestURI() + "\n")
	b.WriteString("actor: " + actorID + "\n")
	b.WriteString("body: " + strconv.Itoa(len(body)) + " bytes\n")
	b.Write(body)

	header := http.Header{}
	header.Set("content-type", "text/plain; charset=utf-8")
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(b.String())),
	}, nil
}

func echoWebSocket(ctx context.Context, _ string, ws *tunnel.WebSocket, _ *http.Request) error {
	for {
		msg, err := ws.ReadMessage(ctx)
		if errors.Is(err, tunnel.ErrWebSocketClosed) || errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := ws.WriteMessage(msg.Data, msg.Binary); err != nil {
			return err
		}
	}
}
