// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/assoc-go/pkg/assoc"
)

// errBadRequest is returned for undecodable request bodies.
var errBadRequest = errors.New("bad request")

// statusCode maps the error kinds of the assoc package to HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, assoc.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, assoc.ErrValidation),
		errors.Is(err, assoc.ErrInvalidStreamID),
		errors.Is(err, assoc.ErrUnsupportedOperation),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest

	case errors.Is(err, assoc.ErrInvalidState),
		errors.Is(err, assoc.ErrResourceBusy),
		errors.Is(err, assoc.ErrNotConnected):
		return http.StatusConflict

	default:
		return http.StatusInternalServerError
	}
}

// RestAPI is a RESTful interface to a Management's servers and associations.
type RestAPI struct {
	management *assoc.Management
	listeners  assoc.ListenerFactory
	router     *mux.Router
}

// NewRestAPI registers its routes at the given router, which might be a
// subrouter, e.g., for a /rest prefix. Associations without a listener get
// one from listeners before being started; listeners might be nil.
func NewRestAPI(m *assoc.Management, listeners assoc.ListenerFactory, router *mux.Router) (ra *RestAPI) {
	ra = &RestAPI{
		management: m,
		listeners:  listeners,
		router:     router,
	}

	ra.router.HandleFunc("/management", ra.handleManagement).Methods(http.MethodGet)
	ra.router.HandleFunc("/management/remove-all-resources", ra.handleRemoveAllResources).Methods(http.MethodPost)

	ra.router.HandleFunc("/servers", ra.handleServers).Methods(http.MethodGet)
	ra.router.HandleFunc("/servers", ra.handleAddServer).Methods(http.MethodPost)
	ra.router.HandleFunc("/servers/{name}", ra.handleServer).Methods(http.MethodGet)
	ra.router.HandleFunc("/servers/{name}", ra.handleModifyServer).Methods(http.MethodPatch)
	ra.router.HandleFunc("/servers/{name}", ra.handleRemoveServer).Methods(http.MethodDelete)
	ra.router.HandleFunc("/servers/{name}/start", ra.handleStartServer).Methods(http.MethodPost)
	ra.router.HandleFunc("/servers/{name}/stop", ra.handleStopServer).Methods(http.MethodPost)
	ra.router.HandleFunc("/servers/{name}/anonymous", ra.handleAnonymousAssociations).Methods(http.MethodGet)
	ra.router.HandleFunc("/servers/{name}/anonymous/{association}", ra.handleStopAnonymous).Methods(http.MethodDelete)

	ra.router.HandleFunc("/associations", ra.handleAssociations).Methods(http.MethodGet)
	ra.router.HandleFunc("/associations", ra.handleAddAssociation).Methods(http.MethodPost)
	ra.router.HandleFunc("/associations/{name}", ra.handleAssociation).Methods(http.MethodGet)
	ra.router.HandleFunc("/associations/{name}", ra.handleModifyAssociation).Methods(http.MethodPatch)
	ra.router.HandleFunc("/associations/{name}", ra.handleRemoveAssociation).Methods(http.MethodDelete)
	ra.router.HandleFunc("/associations/{name}/start", ra.handleStartAssociation).Methods(http.MethodPost)
	ra.router.HandleFunc("/associations/{name}/stop", ra.handleStopAssociation).Methods(http.MethodPost)
	ra.router.HandleFunc("/associations/{name}/send", ra.handleSend).Methods(http.MethodPost)

	return ra
}

// ServeHTTP is a http.Handler to be bound to a HTTP endpoint, e.g., /rest.
func (ra *RestAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ra.router.ServeHTTP(w, r)
}

func (ra *RestAPI) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write REST response")
	}
}

func (ra *RestAPI) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusCode(err)

	log.WithFields(log.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
		"error":  err,
	}).Info("REST request failed")

	ra.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// handleManagement processes /management GET requests.
func (ra *RestAPI) handleManagement(w http.ResponseWriter, _ *http.Request) {
	ra.writeJSON(w, http.StatusOK, ManagementResponse{
		Name:         ra.management.Name(),
		Started:      ra.management.IsStarted(),
		ConnectDelay: ra.management.ConnectDelay().String(),
		Options:      ra.management.Options(),
	})
}

// handleRemoveAllResources processes /management/remove-all-resources POST requests.
func (ra *RestAPI) handleRemoveAllResources(w http.ResponseWriter, r *http.Request) {
	if err := ra.management.RemoveAllResources(); err != nil {
		ra.writeError(w, r, err)
		return
	}

	log.Info("REST request removed all resources")
	w.WriteHeader(http.StatusNoContent)
}

// handleServers processes /servers GET requests.
func (ra *RestAPI) handleServers(w http.ResponseWriter, _ *http.Request) {
	servers := ra.management.Servers()
	infos := make([]assoc.ServerInfo, len(servers))
	for i, s := range servers {
		infos[i] = s.Info()
	}

	ra.writeJSON(w, http.StatusOK, infos)
}

// handleAddServer processes /servers POST requests.
func (ra *RestAPI) handleAddServer(w http.ResponseWriter, r *http.Request) {
	var cfg assoc.ServerConfig
	if err := decodeJSON(r, &cfg); err != nil {
		ra.writeError(w, r, err)
		return
	}

	s, err := ra.management.AddServer(cfg)
	if err != nil {
		ra.writeError(w, r, err)
		return
	}

	ra.writeJSON(w, http.StatusCreated, s.Info())
}

// handleServer processes /servers/{name} GET requests.
func (ra *RestAPI) handleServer(w http.ResponseWriter, r *http.Request) {
	s, err := ra.management.Server(mux.Vars(r)["name"])
	if err != nil {
		ra.writeError(w, r, err)
		return
	}

	ra.writeJSON(w, http.StatusOK, s.Info())
}

// handleModifyServer processes /servers/{name} PATCH requests.
func (ra *RestAPI) handleModifyServer(w http.ResponseWriter, r *http.Request) {
	var mod assoc.ServerModification
	if err := decodeJSON(r, &mod); err != nil {
		ra.writeError(w, r, err)
		return
	}

	s, err := ra.management.ModifyServer(mux.Vars(r)["name"], mod)
	if err != nil {
		ra.writeError(w, r, err)
		return
	}

	ra.writeJSON(w, http.StatusOK, s.Info())
}

// handleRemoveServer processes /servers/{name} DELETE requests.
func (ra *RestAPI) handleRemoveServer(w http.ResponseWriter, r *http.Request) {
	if err := ra.management.RemoveServer(mux.Vars(r)["name"]); err != nil {
		ra.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleStartServer processes /servers/{name}/start POST requests.
func (ra *RestAPI) handleStartServer(w http.ResponseWriter, r *http.Request) {
	ra.serverLifecycle(w, r, ra.management.StartServer)
}

// handleStopServer processes /servers/{name}/stop POST requests.
func (ra *RestAPI) handleStopServer(w http.ResponseWriter, r *http.Request) {
	ra.serverLifecycle(w, r, ra.management.StopServer)
}

func (ra *RestAPI) serverLifecycle(w http.ResponseWriter, r *http.Request, f func(name string) error) {
	name := mux.Vars(r)["name"]

	if err := f(name); err != nil {
		ra.writeError(w, r, err)
		return
	}

	ra.handleServer(w, r)
}

// handleAnonymousAssociations processes /servers/{name}/anonymous GET requests.
func (ra *RestAPI) handleAnonymousAssociations(w http.ResponseWriter, r *http.Request) {
	s, err := ra.management.Server(mux.Vars(r)["name"])
	if err != nil {
		ra.writeError(w, r, err)
		return
	}

	anonymous := s.AnonymousAssociations()
	infos := make([]assoc.AssociationInfo, len(anonymous))
	for i, a := range anonymous {
		infos[i] = a.Info()
	}

	ra.writeJSON(w, http.StatusOK, infos)
}

// handleStopAnonymous processes /servers/{name}/anonymous/{association} DELETE requests.
func (ra *RestAPI) handleStopAnonymous(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	s, err := ra.management.Server(vars["name"])
	if err != nil {
		ra.writeError(w, r, err)
		return
	}

	for _, a := range s.AnonymousAssociations() {
		if a.Name() != vars["association"] {
			continue
		}

		if err := a.StopAnonymous(); err != nil {
			ra.writeError(w, r, err)
		} else {
			w.WriteHeader(http.StatusNoContent)
		}
		return
	}

	ra.writeError(w, r, fmt.Errorf("%w: anonymous association=%s of server=%s",
		assoc.ErrNotFound, vars["association"], vars["name"]))
}

// handleAssociations processes /associations GET requests.
func (ra *RestAPI) handleAssociations(w http.ResponseWriter, _ *http.Request) {
	associations := ra.management.Associations()
	infos := make([]assoc.AssociationInfo, len(associations))
	for i, a := range associations {
		infos[i] = a.Info()
	}

	ra.writeJSON(w, http.StatusOK, infos)
}

// handleAddAssociation processes /associations POST requests.
func (ra *RestAPI) handleAddAssociation(w http.ResponseWriter, r *http.Request) {
	var req AssociationRequest
	if err := decodeJSON(r, &req); err != nil {
		ra.writeError(w, r, err)
		return
	}

	var a *assoc.Association
	var err error

	switch req.Type {
	case assoc.TypeClient:
		a, err = ra.management.AddAssociation(assoc.AssociationConfig{
			Name:               req.Name,
			HostAddress:        req.HostAddress,
			HostPort:           req.HostPort,
			PeerAddress:        req.PeerAddress,
			PeerPort:           req.PeerPort,
			ExtraHostAddresses: req.ExtraHostAddresses,
			ChannelType:        req.ChannelType,
		})

	case assoc.TypeServer:
		a, err = ra.management.AddServerAssociation(assoc.ServerAssociationConfig{
			Name:        req.Name,
			PeerAddress: req.PeerAddress,
			PeerPort:    req.PeerPort,
			ServerName:  req.ServerName,
			ChannelType: req.ChannelType,
		})

	default:
		err = fmt.Errorf("%w: associations of type %v cannot be added", assoc.ErrUnsupportedOperation, req.Type)
	}

	if err != nil {
		ra.writeError(w, r, err)
		return
	}

	ra.writeJSON(w, http.StatusCreated, a.Info())
}

// handleAssociation processes /associations/{name} GET requests.
func (ra *RestAPI) handleAssociation(w http.ResponseWriter, r *http.Request) {
	a, err := ra.management.Association(mux.Vars(r)["name"])
	if err != nil {
		ra.writeError(w, r, err)
		return
	}

	ra.writeJSON(w, http.StatusOK, a.Info())
}

// handleModifyAssociation processes /associations/{name} PATCH requests. The
// body is read based on the association's type.
func (ra *RestAPI) handleModifyAssociation(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	a, err := ra.management.Association(name)
	if err != nil {
		ra.writeError(w, r, err)
		return
	}

	switch a.Type() {
	case assoc.TypeClient:
		var mod assoc.AssociationModification
		if err = decodeJSON(r, &mod); err == nil {
			a, err = ra.management.ModifyAssociation(name, mod)
		}

	case assoc.TypeServer:
		var mod assoc.ServerAssociationModification
		if err = decodeJSON(r, &mod); err == nil {
			a, err = ra.management.ModifyServerAssociation(name, mod)
		}

	default:
		err = fmt.Errorf("%w: association=%s of type %v cannot be modified", assoc.ErrUnsupportedOperation, name, a.Type())
	}

	if err != nil {
		ra.writeError(w, r, err)
		return
	}

	ra.writeJSON(w, http.StatusOK, a.Info())
}

// handleRemoveAssociation processes /associations/{name} DELETE requests.
func (ra *RestAPI) handleRemoveAssociation(w http.ResponseWriter, r *http.Request) {
	if err := ra.management.RemoveAssociation(mux.Vars(r)["name"]); err != nil {
		ra.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleStartAssociation processes /associations/{name}/start POST requests.
func (ra *RestAPI) handleStartAssociation(w http.ResponseWriter, r *http.Request) {
	ra.associationLifecycle(w, r, func(name string) error {
		if a, err := ra.management.Association(name); err != nil {
			return err
		} else if a.Listener() == nil && ra.listeners != nil {
			if l := ra.listeners(a); l != nil {
				if err := a.SetListener(l); err != nil {
					return err
				}
			}
		}
		return ra.management.StartAssociation(name)
	})
}

// handleStopAssociation processes /associations/{name}/stop POST requests.
func (ra *RestAPI) handleStopAssociation(w http.ResponseWriter, r *http.Request) {
	ra.associationLifecycle(w, r, ra.management.StopAssociation)
}

func (ra *RestAPI) associationLifecycle(w http.ResponseWriter, r *http.Request, f func(name string) error) {
	if err := f(mux.Vars(r)["name"]); err != nil {
		ra.writeError(w, r, err)
		return
	}

	ra.handleAssociation(w, r)
}

// handleSend processes /associations/{name}/send POST requests.
func (ra *RestAPI) handleSend(w http.ResponseWriter, r *http.Request) {
	a, err := ra.management.Association(mux.Vars(r)["name"])
	if err != nil {
		ra.writeError(w, r, err)
		return
	}

	var req SendRequest
	if err := decodeJSON(r, &req); err != nil {
		ra.writeError(w, r, err)
		return
	}

	if err := a.Send(assoc.PayloadData{
		Data:              req.Data,
		Complete:          true,
		Unordered:         req.Unordered,
		PayloadProtocolID: req.PayloadProtocolID,
		StreamNumber:      req.StreamNumber,
	}); err != nil {
		ra.writeError(w, r, err)
		return
	}

	ra.writeJSON(w, http.StatusOK, SendResponse{Counters: a.Counters()})
}
