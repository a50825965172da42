// Package config loads the configuration shared by the relay processes.
//
// # Overview
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then environment variables. Every field has a default so a hub, a router
// and agents can run on one machine with no configuration at all.
//
//	cfg, err := config.Load(os.Getenv("AGENTRELAY_CONFIG"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # File format
//
//	hub:
//	  grpc_addr: ":50051"
//	  http_addr: ":8080"
//	  ping_interval: 10s
//	  liveness_timeout: 30s
//	  resync_schedule: "@every 30s"
//	router:
//	  hub_addr: "hub:50051"
//	agent:
//	  display_name: "Alice"
//	  responder:
//	    kind: openai
//	    model: gpt-4o-mini
//	    delay: 2s
//	queue:
//	  backend: redis
//	  redis:
//	    addr: "redis:6379"
//
// # Environment overrides
//
// **Hub**:
//   - AGENTRELAY_HUB_ID, AGENTRELAY_GRPC_ADDR, AGENTRELAY_HTTP_ADDR
//   - AGENTRELAY_PING_INTERVAL, AGENTRELAY_LIVENESS_TIMEOUT, AGENTRELAY_HEARTBEAT_INTERVAL
//   - AGENTRELAY_RESYNC_SCHEDULE
//
// **Router and agents**:
//   - AGENTRELAY_HUB_ADDR: hub gRPC address for both
//   - AGENTRELAY_ROUTER_ID, AGENTRELAY_AGENT_ID, AGENTRELAY_AGENT_NAME
//   - AGENTRELAY_STATUS_INTERVAL, AGENTRELAY_RECONNECT_ATTEMPTS
//   - AGENTRELAY_RESPONDER, AGENTRELAY_MODEL, AGENTRELAY_REPLY_DELAY
//   - OPENAI_API_KEY, OPENAI_BASE_URL, GCP_PROJECT, GCP_LOCATION
//
// **Queues**:
//   - AGENTRELAY_QUEUE_BACKEND: memory or redis
//   - REDIS_ADDR, REDIS_PASSWORD, REDIS_DB
//
// **Observability**:
//   - JAEGER_ENDPOINT, TRACING_ENABLED, LOG_LEVEL, SERVICE_VERSION, ENVIRONMENT
//
// Load returns every validation problem at once, joined with errors.Join.
package config
