package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	clcrypto "github.com/openclob/clobd/pkg/crypto"
	"github.com/openclob/clobd/pkg/engine"
	"github.com/openclob/clobd/pkg/ledger"
)

// Server is the thin request/response boundary in front of the engine: it
// authenticates instruction envelopes, dispatches them, and decodes ledger
// state for display. It holds no order state of its own.
type Server struct {
	eng    *engine.Engine
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger

	// Per-sender nonce high-water marks for envelope replay protection.
	nonceMu sync.Mutex
	nonces  map[common.Address]uint64
}

func NewServer(eng *engine.Engine, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		eng:    eng,
		router: mux.NewRouter(),
		hub:    NewHub(),
		log:    log,
		nonces: make(map[common.Address]uint64),
	}
	eng.OnEvent = s.hub.BroadcastEvent
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/instructions", s.handleSubmitInstruction).Methods("POST")

	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{id}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{id}/book", s.handleGetBook).Methods("GET")
	api.HandleFunc("/markets/{id}/orders", s.handleGetMarketOrders).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/events", s.handleGetEvents).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Router exposes the handler tree (used by tests).
func (s *Server) Router() http.Handler { return s.router }

// Start runs the hub and blocks serving HTTP.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	})

	s.log.Infow("api_server_starting", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// ==============================
// Instruction submission
// ==============================

func (s *Server) handleSubmitInstruction(w http.ResponseWriter, r *http.Request) {
	var env InstructionEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid envelope json", false)
		return
	}
	if !common.IsHexAddress(env.Sender) {
		writeError(w, http.StatusBadRequest, "invalid sender address", false)
		return
	}
	sender := common.HexToAddress(env.Sender)

	sig, err := hexutil.Decode(env.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid signature encoding", false)
		return
	}
	hash := clcrypto.EnvelopeHash(env.Type, sender.Bytes(), env.Nonce, env.Body)
	if !clcrypto.VerifySignature(sender, hash, sig) {
		writeError(w, http.StatusForbidden, "signature does not match sender", false)
		return
	}
	if !s.bumpNonce(sender, env.Nonce) {
		writeError(w, http.StatusForbidden, "nonce too low", false)
		return
	}

	resp, err := s.dispatch(sender, &env)
	if err != nil {
		status, retryable := statusFor(err)
		writeError(w, status, err.Error(), retryable)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// bumpNonce enforces strictly increasing nonces per sender.
func (s *Server) bumpNonce(sender common.Address, nonce uint64) bool {
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()
	if last, ok := s.nonces[sender]; ok && nonce <= last {
		return false
	}
	s.nonces[sender] = nonce
	return true
}

func (s *Server) dispatch(sender common.Address, env *InstructionEnvelope) (*InstructionResponse, error) {
	switch env.Type {
	case InstrInitializeMarket:
		var body InitializeMarketBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return nil, errBadBody
		}
		id, err := s.eng.InitializeMarket(sender, body.Name)
		if err != nil {
			return nil, err
		}
		return &InstructionResponse{Status: "committed", Market: id.Hex()}, nil

	case InstrPlaceOrder:
		var body PlaceOrderBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return nil, errBadBody
		}
		marketID, err := ledger.ParseID(body.Market)
		if err != nil {
			return nil, errBadBody
		}
		side, ok := parseSide(body.Side)
		if !ok {
			return nil, engine.ErrInvalidSide
		}
		seq, rec, err := s.eng.PlaceOrder(sender, marketID, side, body.Price, body.Quantity)
		if err != nil {
			return nil, err
		}
		return &InstructionResponse{Status: "committed", Market: body.Market, OrderID: seq, Record: rec.Hex()}, nil

	case InstrMatchOrders:
		var body MatchOrdersBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return nil, errBadBody
		}
		bidID, err1 := ledger.ParseID(body.BidOrder)
		askID, err2 := ledger.ParseID(body.AskOrder)
		if err1 != nil || err2 != nil || !common.IsHexAddress(body.BidOwner) || !common.IsHexAddress(body.AskOwner) {
			return nil, errBadBody
		}
		fill, err := s.eng.MatchOrders(sender, bidID, askID,
			common.HexToAddress(body.BidOwner), common.HexToAddress(body.AskOwner))
		if err != nil {
			return nil, err
		}
		return &InstructionResponse{Status: "committed", OrderID: fill.BidOrderID}, nil

	case InstrCancelOrder:
		var body CancelOrderBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return nil, errBadBody
		}
		id, err := ledger.ParseID(body.Order)
		if err != nil {
			return nil, errBadBody
		}
		if err := s.eng.CancelOrder(sender, id); err != nil {
			return nil, err
		}
		return &InstructionResponse{Status: "committed", Record: body.Order}, nil

	case InstrCloseOrder:
		var body CloseOrderBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return nil, errBadBody
		}
		id, err := ledger.ParseID(body.Order)
		if err != nil {
			return nil, errBadBody
		}
		if err := s.eng.CloseOrder(sender, id); err != nil {
			return nil, err
		}
		return &InstructionResponse{Status: "committed", Record: body.Order}, nil

	default:
		return nil, errUnknownInstr
	}
}

var (
	errBadBody      = errors.New("invalid instruction body")
	errUnknownInstr = errors.New("unknown instruction type")
)

func parseSide(s string) (engine.Side, bool) {
	switch s {
	case "buy":
		return engine.Buy, true
	case "sell":
		return engine.Sell, true
	default:
		return 0, false
	}
}

// ==============================
// Queries
// ==============================

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.eng.Markets()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), false)
		return
	}
	out := make([]MarketInfo, 0, len(markets))
	for _, entry := range markets {
		out = append(out, marketInfo(entry.ID, entry.Market))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	m, err := s.eng.Market(id)
	if err != nil {
		status, retryable := statusFor(err)
		writeError(w, status, err.Error(), retryable)
		return
	}
	writeJSON(w, http.StatusOK, marketInfo(id, m))
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	book, err := s.eng.Book(id)
	if err != nil {
		status, retryable := statusFor(err)
		writeError(w, status, err.Error(), retryable)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleGetMarketOrders(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var entries []engine.OrderEntry
	var err error
	if r.URL.Query().Get("open") == "true" {
		entries, err = s.eng.OpenOrders(id)
	} else {
		entries, err = s.eng.Orders(id)
	}
	if err != nil {
		status, retryable := statusFor(err)
		writeError(w, status, err.Error(), retryable)
		return
	}
	out := make([]OrderInfo, 0, len(entries))
	for _, entry := range entries {
		out = append(out, s.orderInfo(entry.ID, entry.Order))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	o, err := s.eng.Order(id)
	if err != nil {
		status, retryable := statusFor(err)
		writeError(w, status, err.Error(), retryable)
		return
	}
	writeJSON(w, http.StatusOK, s.orderInfo(id, o))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addrHex := mux.Vars(r)["address"]
	if !common.IsHexAddress(addrHex) {
		writeError(w, http.StatusBadRequest, "invalid address", false)
		return
	}
	addr := common.HexToAddress(addrHex)
	writeJSON(w, http.StatusOK, AccountInfo{
		Address: addr.Hex(),
		Balance: s.eng.Ledger().Balance(ledger.HolderID(addr)),
	})
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	from := uint64(0)
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from", false)
			return
		}
		from = parsed
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", false)
			return
		}
		limit = parsed
	}
	events, err := s.eng.Ledger().Events(from, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), false)
		return
	}
	if events == nil {
		events = []ledger.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ==============================
// Helpers
// ==============================

func pathID(w http.ResponseWriter, r *http.Request) (ledger.ID, bool) {
	id, err := ledger.ParseID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid record id", false)
		return ledger.ID{}, false
	}
	return id, true
}

func marketInfo(id ledger.ID, m *engine.Market) MarketInfo {
	return MarketInfo{
		ID:             id.Hex(),
		Authority:      m.Authority.Hex(),
		Name:           m.Name,
		NextOrderID:    m.NextOrderID,
		TotalBidVolume: m.TotalBidVolume,
		TotalAskVolume: m.TotalAskVolume,
	}
}

func (s *Server) orderInfo(id ledger.ID, o *engine.Order) OrderInfo {
	return OrderInfo{
		ID:        id.Hex(),
		Owner:     o.Owner.Hex(),
		Market:    o.Market.Hex(),
		OrderID:   o.OrderID,
		Side:      o.Side.String(),
		Price:     o.Price,
		Quantity:  o.Quantity,
		Filled:    o.FilledQuantity,
		Remaining: o.Remaining(),
		Status:    o.Status.String(),
		Timestamp: o.Timestamp,
		Escrow:    s.eng.Ledger().Balance(id),
	}
}

// statusFor maps engine and ledger errors onto HTTP codes. Conflicts are the
// only retryable outcome.
func statusFor(err error) (int, bool) {
	switch {
	case errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict, true
	case errors.Is(err, engine.ErrInvalidPrice),
		errors.Is(err, engine.ErrInvalidQuantity),
		errors.Is(err, engine.ErrInvalidNameLength),
		errors.Is(err, engine.ErrInvalidSide),
		errors.Is(err, engine.ErrInsufficientBalance),
		errors.Is(err, engine.ErrOverflow),
		errors.Is(err, errBadBody),
		errors.Is(err, errUnknownInstr):
		return http.StatusBadRequest, false
	case errors.Is(err, engine.ErrUnauthorized):
		return http.StatusForbidden, false
	case errors.Is(err, engine.ErrMarketNotFound),
		errors.Is(err, engine.ErrOrderNotFound):
		return http.StatusNotFound, false
	case errors.Is(err, engine.ErrOrderNotActive),
		errors.Is(err, engine.ErrOrderStillActive),
		errors.Is(err, engine.ErrMarketMismatch),
		errors.Is(err, engine.ErrPriceMismatch),
		errors.Is(err, engine.ErrMarketExists):
		return http.StatusConflict, false
	default:
		return http.StatusInternalServerError, false
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, retryable bool) {
	writeJSON(w, status, ErrorResponse{Error: msg, Retryable: retryable})
}
