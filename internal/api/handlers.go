package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/premarket-labs/router/internal/book"
	"github.com/premarket-labs/router/internal/engine"
	"github.com/premarket-labs/router/internal/order"
	"github.com/premarket-labs/router/internal/route"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("encode response")
	}
}

// writeError reports a business failure. The transport succeeded, so the
// status stays 200 and the body carries the error.
func writeError(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status": "ok",
		"venues": s.venues.Names(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	routers := make(map[string]string, len(s.cfg.Chains))
	for id, ch := range s.cfg.Chains {
		routers[strconv.FormatInt(id, 10)] = ch.Router
	}
	writeJSON(w, map[string]any{
		"wallet_connect_project_id": s.cfg.WalletConnectProjectID,
		"routers":                   routers,
		"relayer":                   s.relay.Signer().Address().Hex(),
	})
}

func (s *Server) handleEventPlatforms(w http.ResponseWriter, r *http.Request) {
	eventID := r.URL.Query().Get("event_id")
	if eventID == "" {
		writeError(w, "event_id is required")
		return
	}
	writeJSON(w, map[string]any{
		"event_id":  eventID,
		"platforms": s.catalog.EventPlatforms(eventID),
	})
}

// sideBooks is one outcome side of the aggregated response: the raw book
// or error per venue plus the pooled merge.
type sideBooks struct {
	Platforms map[string]any `json:"platforms"`
	Pooled    book.Pooled    `json:"pooled"`
}

func (s *Server) handleOrderbookAll(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	eventID := q.Get("event_id")
	team := q.Get("team")
	if eventID == "" || team == "" {
		writeError(w, "event_id and team are required")
		return
	}

	var wg sync.WaitGroup
	out := make(map[string]sideBooks, 2)
	var mu sync.Mutex
	for _, side := range []book.Side{book.SideYes, book.SideNo} {
		wg.Add(1)
		go func(side book.Side) {
			defer wg.Done()
			books, errs := s.engine.CollectBooks(r.Context(), eventID, team, side)
			platforms := make(map[string]any, len(books)+len(errs))
			for _, b := range books {
				platforms[b.Venue] = b
			}
			for name, msg := range errs {
				platforms[name] = map[string]string{"error": msg}
			}
			mu.Lock()
			out[string(side)] = sideBooks{
				Platforms: platforms,
				Pooled:    book.BuildPooled(books, team, side),
			}
			mu.Unlock()
		}(side)
	}
	wg.Wait()
	writeJSON(w, out)
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	eventID := q.Get("event_id")
	team := q.Get("team")
	if eventID == "" || team == "" {
		writeError(w, "event_id and team are required")
		return
	}
	side := q.Get("side")
	if side == "" {
		side = string(book.SideYes)
	}
	if side != string(book.SideYes) && side != string(book.SideNo) {
		writeError(w, "invalid side %q", side)
		return
	}
	direction := book.DirectionBuy
	if q.Get("direction") == string(book.DirectionSell) {
		direction = book.DirectionSell
	}
	budget, err := decimal.NewFromString(q.Get("budget"))
	if err != nil || !budget.IsPositive() {
		writeError(w, "budget must be a positive number")
		return
	}

	books, venueErrs := s.engine.CollectBooks(r.Context(), eventID, team, book.Side(side))
	rt, err := route.FindOptimalRoute(books, budget, direction)
	if err != nil {
		writeError(w, "%s", err)
		return
	}
	rt.AdapterErrors = venueErrs
	writeJSON(w, rt)
}

type createOrderRequest struct {
	Wallet    string          `json:"wallet"`
	EventID   string          `json:"event_id"`
	Team      string          `json:"team"`
	Side      string          `json:"side"`
	Budget    decimal.Decimal `json:"budget"`
	FromChain int64           `json:"from_chain"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body: %s", err)
		return
	}
	if req.EventID == "" || req.Team == "" {
		writeError(w, "event_id and team are required")
		return
	}
	o, rt, err := s.engine.SubmitBuy(r.Context(), engine.BuyRequest{
		UserWallet: req.Wallet,
		FromChain:  req.FromChain,
		EventID:    req.EventID,
		Outcome:    req.Team,
		Side:       req.Side,
		Budget:     req.Budget,
	})
	if err != nil {
		writeError(w, "%s", err)
		return
	}
	writeJSON(w, map[string]any{"order": o, "route": rt})
}

type createSellRequest struct {
	OrderID string          `json:"order_id"`
	Wallet  string          `json:"wallet"`
	Amount  decimal.Decimal `json:"amount"`
	ToChain int64           `json:"to_chain"`
}

func (s *Server) handleCreateSell(w http.ResponseWriter, r *http.Request) {
	var req createSellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body: %s", err)
		return
	}
	if req.OrderID == "" {
		writeError(w, "order_id is required")
		return
	}
	o, err := s.engine.SubmitSell(r.Context(), engine.SellRequest{
		BuyID:      req.OrderID,
		UserWallet: req.Wallet,
		Amount:     req.Amount,
		ToChain:    req.ToChain,
	})
	if err != nil {
		writeError(w, "%s", err)
		return
	}
	writeJSON(w, map[string]any{"order": o})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	o, err := s.store.Get(id)
	if err != nil {
		writeError(w, "%s", err)
		return
	}
	writeJSON(w, map[string]any{"order": o})
}

// position is one filled buy leg with its live on-chain share balance.
type position struct {
	OrderID  string          `json:"order_id"`
	EventID  string          `json:"event_id"`
	Team     string          `json:"team"`
	Side     string          `json:"side"`
	Platform string          `json:"platform"`
	TokenID  string          `json:"token_id"`
	Shares   decimal.Decimal `json:"shares"`
	Spent    decimal.Decimal `json:"spent"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	wallet := q.Get("wallet")
	if wallet == "" {
		writeError(w, "wallet is required")
		return
	}
	orders, err := s.store.All()
	if err != nil {
		writeError(w, "%s", err)
		return
	}

	dust := decimal.NewFromInt(1)
	positions := make([]position, 0)
	for _, o := range orders {
		if o.Type != order.TypeBuy || o.Status != order.StatusFilled {
			continue
		}
		if !equalAddress(o.UserWallet, wallet) {
			continue
		}
		if v := q.Get("event_id"); v != "" && v != o.EventID {
			continue
		}
		if v := q.Get("team"); v != "" && v != o.Outcome {
			continue
		}
		if v := q.Get("side"); v != "" && v != o.Side {
			continue
		}
		for name, leg := range o.Platforms {
			shares, err := s.liveShares(r, o, name, leg)
			if err != nil {
				log.Warn().Err(err).
					Str("order_id", o.ID).
					Str("venue", name).
					Msg("position balance check failed")
				continue
			}
			if shares.LessThan(dust) {
				continue
			}
			positions = append(positions, position{
				OrderID:  o.ID,
				EventID:  o.EventID,
				Team:     o.Outcome,
				Side:     o.Side,
				Platform: name,
				TokenID:  leg.TokenID,
				Shares:   shares,
				Spent:    leg.Spent,
				AvgPrice: leg.AvgPrice,
			})
		}
	}
	writeJSON(w, map[string]any{"positions": positions})
}

func (s *Server) handleKillOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var killed *order.Order
	err := s.store.Update(id, func(o *order.Order) error {
		if o.Terminal() {
			return fmt.Errorf("order %s is already %s", id, o.Status)
		}
		o.Kill()
		killed = o
		return nil
	})
	if err != nil {
		writeError(w, "%s", err)
		return
	}
	log.Info().Str("order_id", id).Msg("order killed")
	writeJSON(w, map[string]any{"order": killed})
}
