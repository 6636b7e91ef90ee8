/*
Package metrics exposes Prometheus metrics and health endpoints for a running
simulation.

Metrics are registered on the default registry at init. The tick loop updates
counters and histograms directly; gauges that describe the whole cluster are
refreshed by a Collector that polls a Source on an interval.

# Metrics

Cluster:
  - anvil_ticks_total{action}: ticks applied, by chosen action
  - anvil_tick_duration_seconds: wall-clock time per tick
  - anvil_faults_enabled{fault}: 1 while a fault injector is enabled

Network:
  - anvil_messages_sent_total{src}
  - anvil_messages_dropped_total
  - anvil_network_in_flight

API server and etcd:
  - anvil_api_requests_total{op,result}
  - anvil_etcd_objects{kind}

Controllers:
  - anvil_reconcile_passes_total{controller,result}
  - anvil_reconcile_steps_total{controller,step}
  - anvil_reconcile_pass_ticks{controller}
  - anvil_reconciles_scheduled{controller} and anvil_reconciles_ongoing{controller}
  - anvil_controller_crashes_total{controller}

Invariants:
  - anvil_invariant_violations_total{invariant}

# Endpoints

NewServeMux serves:

	/metrics  Prometheus exposition
	/health   component health, 503 when any component is unhealthy
	/ready    503 until etcd, the API server and the network are registered healthy

# Usage

	srv := &http.Server{Addr: ":9090", Handler: metrics.NewServeMux()}
	go srv.ListenAndServe()

	collector := metrics.NewCollector(cluster, time.Second)
	collector.Start()
	defer collector.Stop()
*/
package metrics
