// A headless player: joins a session over the wire, wanders its token
// around, chats and rolls dice, and renders the shared canvas to a PNG.
// Useful for soak-testing the server and for eyeballing what a table sees.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"loreforge.gg/internal/auth"
	"loreforge.gg/internal/engine"
	"loreforge.gg/internal/render"
	"loreforge.gg/internal/session"
	"loreforge.gg/internal/store/remote"
)

func main() {
	var (
		url       = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		token     = flag.String("token", "", "auth token (empty joins as viewer)")
		name      = flag.String("name", "player", "client name")
		sessionID = flag.String("session", "demo", "session id")
		create    = flag.Bool("create", false, "create the session (claims ownership when unowned)")
		framePath = flag.String("frame", "", "write the rendered canvas to this png after every change")
		interval  = flag.Duration("interval", 3*time.Second, "how often to act")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[player] ", log.LstdFlags|log.Lmicroseconds)

	ctx, cancelDial := context.WithTimeout(context.Background(), 10*time.Second)
	client, err := remote.Dial(ctx, *url, *token, *name, logger)
	cancelDial()
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var ident *auth.Identity
	if u := client.User(); u != nil {
		ident = &auth.Identity{ID: u.ID, DisplayName: u.DisplayName}
		logger.Printf("signed in as %s", u.ID)
	} else {
		logger.Printf("no identity: read-only viewer")
	}
	ids := auth.NewStaticProvider(ident)

	repaint := make(chan struct{}, 1)
	ctrl := engine.NewController(client, ids, logger)
	ctrl.Repaint = func() {
		select {
		case repaint <- struct{}{}:
		default:
		}
	}

	if *create {
		err = ctrl.CreateSession(*sessionID)
	} else {
		err = ctrl.JoinSession(*sessionID)
	}
	if err != nil {
		logger.Fatalf("join %s: %v", *sessionID, err)
	}
	defer ctrl.LeaveSession()
	logger.Printf("joined %s as %s", *sessionID, ctrl.Role())

	httpBase := httpBaseFromWS(*url)
	applyCanvasDefaults(ctrl, logger, httpBase)

	var tokenID string
	if ident != nil {
		tokenID, err = ctrl.Tokens().Place(ident.ID, ctrl.Role(), ident.ID, 400, 300, "")
		if err != nil {
			logger.Printf("place token: %v", err)
		}
	}

	renderer := render.NewRenderer()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	act := time.NewTicker(*interval)
	defer act.Stop()

	for {
		select {
		case <-stop:
			return
		case <-repaint:
			if *framePath != "" {
				if err := writeFrame(ctrl, renderer, httpBase, *framePath); err != nil {
					logger.Printf("render: %v", err)
				}
			}
		case <-act.C:
			wander(ctrl, logger, r, tokenID, ident)
		}
	}
}

// wander performs one small action: usually a drag, sometimes chat or dice.
func wander(ctrl *engine.Controller, logger *log.Logger, r *rand.Rand, tokenID string, ident *auth.Identity) {
	if ident == nil {
		return
	}
	switch r.Intn(6) {
	case 0:
		if err := ctrl.SendChat(fmt.Sprintf("checking in at %s", time.Now().Format("15:04:05"))); err != nil {
			logger.Printf("chat: %v", err)
		}
	case 1:
		if roll, err := ctrl.Roll(20, 1, "", "public"); err == nil {
			logger.Printf("rolled d20: %d", roll.Total)
		}
	default:
		if tokenID == "" {
			return
		}
		tok, ok := ctrl.Tokens().Cached(tokenID)
		if !ok {
			return
		}
		h, err := ctrl.Tokens().BeginDrag(tokenID, ctrl.Role(), ident.ID, false, tok.X, tok.Y)
		if err != nil {
			logger.Printf("drag: %v", err)
			return
		}
		ctrl.Tokens().UpdateDrag(h, tok.X+float64(r.Intn(121)-60), tok.Y+float64(r.Intn(121)-60), false)
		if err := ctrl.Tokens().EndDrag(h); err != nil {
			logger.Printf("drag commit: %v", err)
		}
	}
}

func writeFrame(ctrl *engine.Controller, renderer *render.Renderer, httpBase, framePath string) error {
	tokens := ctrl.Tokens().Render()

	var bg image.Image
	if mi := ctrl.MapInfo(); mi != nil && mi.URL != "" {
		img, err := renderer.Background(mi.URL, func(url string) (image.Image, error) {
			return fetchImage(httpBase + url)
		})
		if err != nil {
			return fmt.Errorf("background %s: %w", mi.URL, err)
		}
		bg = img
	}

	w, h := 800, 600
	if bg != nil {
		w, h = bg.Bounds().Dx(), bg.Bounds().Dy()
	}
	fog := render.FogMask(w, h, tokens, ctrl.Role() != session.RoleDM)
	frame := renderer.Frame(bg, tokens, nil, fog)

	f, err := os.Create(framePath)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, frame)
}

// applyCanvasDefaults pulls map bounds and grid pitch from the server.
func applyCanvasDefaults(ctrl *engine.Controller, logger *log.Logger, httpBase string) {
	resp, err := http.Get(httpBase + "/v1/canvas")
	if err != nil {
		logger.Printf("canvas defaults: %v", err)
		return
	}
	defer resp.Body.Close()
	var canvas struct {
		MapWidth  float64 `json:"map_width"`
		MapHeight float64 `json:"map_height"`
		GridPitch float64 `json:"grid_pitch"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&canvas); err != nil {
		logger.Printf("canvas defaults: %v", err)
		return
	}
	if ts := ctrl.Tokens(); ts != nil {
		if canvas.MapWidth > 0 && canvas.MapHeight > 0 {
			ts.SetMapBounds(canvas.MapWidth, canvas.MapHeight)
		}
		ts.SetGridPitch(canvas.GridPitch)
	}
}

func fetchImage(url string) (image.Image, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	img, _, err := image.Decode(resp.Body)
	return img, err
}

func httpBaseFromWS(wsURL string) string {
	base := wsURL
	if i := strings.Index(base, "/v1/ws"); i >= 0 {
		base = base[:i]
	}
	base = strings.Replace(base, "wss://", "https://", 1)
	base = strings.Replace(base, "ws://", "http://", 1)
	return base
}
