package service

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/murmur/src/node"
	"github.com/mosaicnetworks/murmur/src/peers"
)

// Service exposes a read-only HTTP API over a running node.
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the DefaultServerMux of
// the http package. It is possible that another server in the same process
// is simultaneously using the DefaultServerMux. In which case, the handlers
// will be accessible from both servers. This is usefull when Murmur is used
// in-memory and expected to use the same endpoint (address:port) as the
// application's API.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering Murmur API handlers")
	http.HandleFunc("/stats", s.makeHandler(s.GetStats))
	http.HandleFunc("/peers", s.makeHandler(s.GetPeers))
	http.HandleFunc("/topics", s.makeHandler(s.GetTopics))
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

// Serve calls ListenAndServe. This is a blocking call. It is not necessary
// to call Serve when Murmur is used in-memory and another server has already
// been started with the DefaultServerMux and the same address:port
// combination. Indeed, Murmur API handlers have already been registered when
// the service was instantiated.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving Murmur API")

	// Use the DefaultServerMux
	err := http.ListenAndServe(s.bindAddress, nil)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats returns a snapshot of the node's internals: identity, uptime,
// routing table and store sizes, pending operation counts.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.node.GetStats()

	if err != nil {
		s.logger.WithError(err).Error("Retrieving stats")

		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(stats)
}

// GetPeers dumps the live entries of the routing table.
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	returnContacts(w, r, s.node.Contacts())
}

// GetTopics lists the locally subscribed pub/sub topics.
func (s *Service) GetTopics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	encoder := json.NewEncoder(w)

	encoder.Encode(s.node.Topics())
}

func returnContacts(w http.ResponseWriter, r *http.Request, contacts []peers.Contact) {
	w.Header().Set("Content-Type", "application/json")

	encoder := json.NewEncoder(w)

	encoder.Encode(contacts)
}
