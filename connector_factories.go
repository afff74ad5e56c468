package ingest

import (
	"github.com/goliatone/go-ingest/connectors/filedrop"
	"github.com/goliatone/go-ingest/connectors/restapi"
	"github.com/goliatone/go-ingest/core"
)

// RESTAPIConnector builds the paginated JSON API pull connector. Register its
// Definition against a service registry, or ship it inside a ConnectorPack.
func RESTAPIConnector(options ...restapi.Option) *restapi.Connector {
	return restapi.New(options...)
}

// FileDropConnector builds the local directory pull connector rooted at dir.
func FileDropConnector(dir string, options ...filedrop.Option) *filedrop.Connector {
	return filedrop.New(dir, options...)
}

// BuiltinConnectorPack bundles the connectors that ship with the runtime.
// dropDir roots the file drop connector; pass the directory uploads land in.
func BuiltinConnectorPack(dropDir string, restOptions []restapi.Option, dropOptions []filedrop.Option) ConnectorPack {
	return ConnectorPack{
		Name: "builtin",
		Definitions: []core.ConnectorDefinition{
			restapi.New(restOptions...).Definition(),
			filedrop.New(dropDir, dropOptions...).Definition(),
		},
	}
}
