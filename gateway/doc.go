// Package gateway exposes the live model over HTTP.
//
// Read endpoints serve the installed generation, the raw passthrough tree
// and the connection statuses. The schema and connection endpoints accept
// PUT and write through the settings Store; the running service picks the
// change up from the store's Watch channel like any other edit. Invalid
// documents are answered with 400 and the validation message.
//
// Routes:
//
//	GET /api/model                    current values of the whole model
//	GET /api/model/{path...}          one group or field by label path
//	GET /api/schema                   installed schema (JSON, or YAML with ?format=yaml)
//	PUT /api/schema                   replace the schema
//	GET /api/connections              connection settings with live status
//	PUT /api/connections              replace the connection list
//	GET /api/status                   connection statuses
//	GET /api/raw                      raw trees of every connection
//	GET /api/raw/{connectionId}       raw tree of one connection
//	GET /api/events                   WebSocket, one JSON message per field change
//	GET /health                       aggregated health
package gateway
