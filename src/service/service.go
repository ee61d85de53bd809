package service

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mosaicnetworks/btcnode/src/chain"
	"github.com/mosaicnetworks/btcnode/src/common"
	"github.com/mosaicnetworks/btcnode/src/peers"
	"github.com/mosaicnetworks/btcnode/src/wire"
	"github.com/sirupsen/logrus"
)

// StatsSource reports the synchronisation progress.
type StatsSource interface {
	GetStats() map[string]string
}

// ChainReader is the read side of the chain store.
type ChainReader interface {
	BestTip() *chain.Entry
	GetHeader(hash chainhash.Hash) (*chain.Entry, error)
	HeaderByHeight(height int32) (*chain.Entry, error)
	IsMainChain(hash chainhash.Hash) bool
	GetBlock(hash chainhash.Hash) (*wire.MsgBlock, error)
	GetTx(hash chainhash.Hash) (*wire.MsgTx, error)
}

// PeerLister lists the connected peers.
type PeerLister interface {
	Peers() []peers.PeerInfo
}

// Service exposes a read-only JSON API over HTTP.
type Service struct {
	sync.Mutex

	bindAddress string
	stats       StatsSource
	chain       ChainReader
	peers       PeerLister
	server      *http.Server
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, stats StatsSource, c ChainReader, p PeerLister, logger *logrus.Entry) *Service {
	service := &Service{
		bindAddress: bindAddress,
		stats:       stats,
		chain:       c,
		peers:       p,
		logger:      logger,
	}

	service.server = &http.Server{
		Addr:              bindAddress,
		Handler:           service.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return service
}

// Handler returns the API routes. It can be mounted in another server.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stats", s.makeHandler(s.GetStats))
	mux.HandleFunc("GET /tip", s.makeHandler(s.GetTip))
	mux.HandleFunc("GET /header/{id}", s.makeHandler(s.GetHeader))
	mux.HandleFunc("GET /block/{hash}", s.makeHandler(s.GetBlock))
	mux.HandleFunc("GET /tx/{hash}", s.makeHandler(s.GetTx))
	mux.HandleFunc("GET /peers", s.makeHandler(s.GetPeers))
	return mux
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve listens on the bind address and serves the API until Shutdown. This
// is a blocking call.
func (s *Service) Serve() error {
	l, err := net.Listen("tcp", s.bindAddress)
	if err != nil {
		return err
	}
	return s.ServeListener(l)
}

// ServeListener serves the API on l until Shutdown.
func (s *Service) ServeListener(l net.Listener) error {
	s.logger.WithField("bind_address", l.Addr().String()).Debug("Serving API")

	err := s.server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server, waiting for active requests.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.stats.GetStats())
}

// GetTip ...
func (s *Service) GetTip(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.headerJSON(s.chain.BestTip()))
}

// GetHeader accepts a block hash or a main chain height.
func (s *Service) GetHeader(w http.ResponseWriter, r *http.Request) {
	param := r.PathValue("id")

	var (
		entry *chain.Entry
		err   error
	)
	if height, perr := strconv.ParseInt(param, 10, 32); perr == nil && len(param) < chainhash.MaxHashStringSize {
		entry, err = s.chain.HeaderByHeight(int32(height))
	} else {
		hash, herr := chainhash.NewHashFromStr(param)
		if herr != nil {
			http.Error(w, herr.Error(), http.StatusBadRequest)
			return
		}
		entry, err = s.chain.GetHeader(*hash)
	}

	if err != nil {
		s.writeError(w, "Retrieving header", param, err)
		return
	}

	writeJSON(w, s.headerJSON(entry))
}

// GetBlock ...
func (s *Service) GetBlock(w http.ResponseWriter, r *http.Request) {
	hash, ok := parseHash(w, r.PathValue("hash"))
	if !ok {
		return
	}

	block, err := s.chain.GetBlock(hash)
	if err != nil {
		s.writeError(w, "Retrieving block", hash.String(), err)
		return
	}

	res := BlockJSON{
		Hash:   hash.String(),
		Height: -1,
	}
	if e, err := s.chain.GetHeader(hash); err == nil {
		res.Height = e.Height
		res.MainChain = s.chain.IsMainChain(hash)
	}
	res.Header = headerFields(&block.Header)
	for _, tx := range block.Transactions {
		res.Transactions = append(res.Transactions, txJSON(tx))
	}

	writeJSON(w, res)
}

// GetTx ...
func (s *Service) GetTx(w http.ResponseWriter, r *http.Request) {
	hash, ok := parseHash(w, r.PathValue("hash"))
	if !ok {
		return
	}

	tx, err := s.chain.GetTx(hash)
	if err != nil {
		s.writeError(w, "Retrieving transaction", hash.String(), err)
		return
	}

	writeJSON(w, txJSON(tx))
}

// GetPeers ...
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.peers.Peers())
}

func (s *Service) headerJSON(e *chain.Entry) HeaderJSON {
	return HeaderJSON{
		Hash:      e.Hash.String(),
		Height:    e.Height,
		Work:      e.Work.String(),
		MainChain: s.chain.IsMainChain(e.Hash),
		Header:    headerFields(&e.Header),
	}
}

func (s *Service) writeError(w http.ResponseWriter, what string, key string, err error) {
	if common.IsStore(err, common.KeyNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.logger.WithError(err).WithField("key", key).Error(what)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func parseHash(w http.ResponseWriter, s string) (chainhash.Hash, bool) {
	hash, err := chainhash.NewHashFromStr(s)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return chainhash.Hash{}, false
	}
	return *hash, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(v)
}

// Fields is the decoded content of a block header.
type Fields struct {
	Version    int32     `json:"version"`
	PrevBlock  string    `json:"prev_block"`
	MerkleRoot string    `json:"merkle_root"`
	Time       time.Time `json:"time"`
	Bits       string    `json:"bits"`
	Nonce      uint32    `json:"nonce"`
}

// HeaderJSON is the response of /tip and /header.
type HeaderJSON struct {
	Hash      string `json:"hash"`
	Height    int32  `json:"height"`
	Work      string `json:"chain_work"`
	MainChain bool   `json:"main_chain"`
	Header    Fields `json:"header"`
}

// BlockJSON is the response of /block. Height is -1 when the header is not
// in the arena.
type BlockJSON struct {
	Hash         string   `json:"hash"`
	Height       int32    `json:"height"`
	MainChain    bool     `json:"main_chain"`
	Header       Fields   `json:"header"`
	Transactions []TxJSON `json:"transactions"`
}

// TxJSON is the response of /tx.
type TxJSON struct {
	TxID     string       `json:"txid"`
	Version  int32        `json:"version"`
	LockTime uint32       `json:"lock_time"`
	Inputs   []InputJSON  `json:"inputs"`
	Outputs  []OutputJSON `json:"outputs"`
	Total    string       `json:"total"`
}

// InputJSON ...
type InputJSON struct {
	Prev     string `json:"prev"`
	Sequence uint32 `json:"sequence"`
}

// OutputJSON ...
type OutputJSON struct {
	Value    string  `json:"value"`
	BTC      float64 `json:"btc"`
	Satoshis int64   `json:"satoshis"`
}

func headerFields(h *wire.BlockHeader) Fields {
	return Fields{
		Version:    h.Version,
		PrevBlock:  h.PrevBlock.String(),
		MerkleRoot: h.MerkleRoot.String(),
		Time:       h.Timestamp.UTC(),
		Bits:       strconv.FormatUint(uint64(h.Bits), 16),
		Nonce:      h.Nonce,
	}
}

func txJSON(tx *wire.MsgTx) TxJSON {
	res := TxJSON{
		TxID:     tx.TxHash().String(),
		Version:  tx.Version,
		LockTime: tx.LockTime,
	}

	for _, in := range tx.TxIn {
		res.Inputs = append(res.Inputs, InputJSON{
			Prev:     in.PreviousOutPoint.Hash.String() + ":" + strconv.FormatUint(uint64(in.PreviousOutPoint.Index), 10),
			Sequence: in.Sequence,
		})
	}

	var total btcutil.Amount
	for _, out := range tx.TxOut {
		amt := btcutil.Amount(out.Value)
		total += amt
		res.Outputs = append(res.Outputs, OutputJSON{
			Value:    amt.String(),
			BTC:      amt.ToBTC(),
			Satoshis: out.Value,
		})
	}
	res.Total = total.String()

	return res
}
