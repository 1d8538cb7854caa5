// Package config loads the process configuration of the allocation service.
//
// Configuration is read once at start-up from three sources, later ones
// winning: built-in defaults, an optional YAML file, and ENVALLOC_*
// environment variables. The merged result is validated with struct tags and
// cross-field rules; an invalid configuration aborts start-up.
//
// # Environment
//
//	ENVALLOC_GRAPHQL_URL       event repository GraphQL endpoint
//	ENVALLOC_CATALOG_FILE      YAML inventory used instead of GraphQL
//	ENVALLOC_BASE_URL          externally reachable URL of this service
//	ENVALLOC_LISTEN_ADDRESS    API listen address
//	ENVALLOC_STORE_BACKEND     etcd or memory
//	ENVALLOC_STORE_HOST        etcd host, or a comma separated list
//	ENVALLOC_STORE_PORT        etcd port
//	ENVALLOC_STORE_USERNAME    etcd user
//	ENVALLOC_STORE_PASSWORD    etcd password
//	ENVALLOC_WAIT_TIMEOUT      default wait for resources, in seconds
//	ENVALLOC_ENCRYPTION_KEY    lease token signing secret
//	ENVALLOC_WORKER_LOG_LEVEL  dispatcher log level
//	ENVALLOC_WORKERS           dispatcher worker count
//	ENVALLOC_DATABASE_PATH     SQLite audit database
//	ENVALLOC_POLICY_DIR        custom admission policies
//	ENVALLOC_LOG_LEVEL         process log level
//	ENVALLOC_LOG_FORMAT        console or json
//	ENVALLOC_OTLP_ENDPOINT     OTLP collector, enables tracing
//
// # Example
//
//	server:
//	  listen_address: ":8080"
//	catalog:
//	  graphql_url: http://events.internal/graphql
//	  cache_ttl: 2s
//	store:
//	  backend: etcd
//	  host: etcd-0,etcd-1,etcd-2
//	  port: 2379
//	allocation:
//	  wait_timeout: 1m
//	policy:
//	  limits:
//	    max_quantity: 8
//	    allowed_types: [vm, gpu]
package config
