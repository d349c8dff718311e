package ws

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages live build-log subscriptions keyed by deployment ID.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples a payload with its deployment.
type message struct {
	deploymentID string
	payload      []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	deploymentID string
	client       Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.deploymentID]; !ok {
				h.clients[sub.deploymentID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.deploymentID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.deploymentID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.deploymentID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.deploymentID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.deploymentID)
				}
			}
		}
	}
}

// Register adds a client to a deployment's log stream.
func (h *Hub) Register(deploymentID string, client Subscriber) {
	h.register <- subscription{deploymentID: deploymentID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(deploymentID string, client Subscriber) {
	h.unreg <- subscription{deploymentID: deploymentID, client: client}
}

// Broadcast sends a payload to all of a deployment's subscribers.
func (h *Hub) Broadcast(deploymentID string, payload []byte) {
	h.broadcast <- message{deploymentID: deploymentID, payload: payload}
}
