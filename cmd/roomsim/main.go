package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/automerge-rooms/pkg/assets"
	"github.com/astromechza/automerge-rooms/pkg/client"
	"github.com/astromechza/automerge-rooms/pkg/document"
	"github.com/astromechza/automerge-rooms/pkg/selection"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:8080", "the address to request on")
	roomVar := flag.String("room", "", "the room to join")
	actorVar := flag.String("actor", fmt.Sprintf("sim-%d", os.Getpid()), "the actor to join as when the server has no jwt secret")
	tokenVar := flag.String("token", "", "a bearer token for the server")
	cleanupVar := flag.Bool("client-cleanup", false, "delete removed images from this replica, for servers in client cleanup mode")
	flag.Parse()
	if *roomVar == "" {
		return fmt.Errorf("--room is required")
	}

	baseUrl, err := url.Parse("http://" + *addrVar)
	if err != nil {
		return err
	}
	header := http.Header{}
	if *tokenVar != "" {
		header.Set("Authorization", "Bearer "+*tokenVar)
	} else {
		header.Set("X-Actor", *actorVar)
	}

	s := &simulator{baseUrl: baseUrl, room: *roomVar, header: header}
	if *cleanupVar {
		s.gateway = assets.NewHTTPGateway(baseUrl.String(), nil, header)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.connectAndEditContinuously(ctx)
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	wg.Wait()

	if s.last == nil {
		return nil
	}
	tf := filepath.Join(os.TempDir(), s.room+"-"+s.last.Session().ActorID()+".automerge")
	if err := os.WriteFile(tf, s.last.Session().Serialize(), 0o644); err != nil {
		return err
	}
	slog.Info("dumped", "dump", tf)
	return nil
}

type simulator struct {
	baseUrl *url.URL
	room    string
	header  http.Header
	gateway assets.Gateway
	last    *client.Replica
}

// connectAndEditContinuously keeps a replica connected, reconnecting a second after each failure.
func (s *simulator) connectAndEditContinuously(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		if err := s.connectAndEdit(ctx); err != nil {
			slog.Error("replica failed", "err", err)
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			slog.Info("stopping simulation")
			return
		}
	}
}

func (s *simulator) connectAndEdit(ctx context.Context) error {
	u := s.baseUrl.JoinPath("rooms", s.room, "sync")
	u.Scheme = "ws"
	r, err := client.Dial(ctx, u.String(), client.Options{RoomID: s.room, Header: s.header, Gateway: s.gateway})
	if err != nil {
		return err
	}
	s.last = r
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Close(closeCtx)
	}()
	r.OnAwareness(func(payload []byte) {
		slog.Debug("awareness", "payload", string(payload))
	})
	slog.Info("joined", "room", s.room, "actor", r.Session().ActorID())

	for {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(3)))
		select {
		case <-t.C:
			if err := r.Edit(randomEdit); err != nil {
				slog.Error("failed to edit", "err", err)
				continue
			}
			tree, err := r.Tree()
			if err != nil {
				return err
			}
			if sel, err := r.SetSelection(selection.Caret(rand.Intn(tree.Size() + 1))); err == nil {
				_ = r.SetAwareness([]byte(fmt.Sprintf(`{"selection":%q}`, sel.String())))
			}
			slog.Info("edited", "heads", r.Session().Heads(), "blocks", len(tree.Root.Content), "assets", len(tree.AssetRefs()))
		case <-r.Done():
			t.Stop()
			return r.Err()
		case <-ctx.Done():
			t.Stop()
			return nil
		}
	}
}

func randomEdit(ed *document.Editor) error {
	n, err := ed.Len(nil)
	if err != nil {
		return err
	}
	switch choice := rand.Intn(10); {
	case choice < 6 || n == 0:
		return ed.AppendBlock(nil, document.Paragraph(fmt.Sprintf("line %d", rand.Intn(1000))))
	case choice < 8:
		return ed.InsertImage(nil, rand.Intn(n+1), document.ImageAttrs{Src: fmt.Sprintf("https://example.com/sim/%d.png", rand.Intn(5))})
	default:
		return ed.DeleteBlock([]int{rand.Intn(n)})
	}
}
