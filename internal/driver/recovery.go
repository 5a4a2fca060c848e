package driver

// Recover rehydrates the in-memory network and endpoint indexes from
// the persistent store, verifying bridges exist but never recreating
// veths or OVS ports: the container engine re-issues Join for every
// live container at startup, and that call regenerates the runtime
// state. Recovery failure is non-fatal; the daemon accepts requests
// with whatever index it could rebuild.
func (d *Driver) Recover() {
	d.mu.Lock()
	defer d.mu.Unlock()

	bridges := map[string]bool{}
	if names, err := d.ovs.ListBridges(); err != nil {
		d.log.Error(err, "failed to list bridges during recovery")
	} else {
		for _, name := range names {
			bridges[name] = true
		}
	}

	nets, err := d.store.ListNetworks()
	if err != nil {
		d.log.Error(err, "failed to list persisted networks during recovery")
	}
	for _, rec := range nets {
		ns := networkStateFromRecord(rec)
		if !bridges[ns.Bridge] {
			d.log.Info("bridge missing for recovered network, deferring recreation", "networkID", ns.ID, "bridge", ns.Bridge)
		}
		d.networks[ns.ID] = ns
	}

	endpoints, err := d.store.ListEndpoints()
	if err != nil {
		d.log.Error(err, "failed to list persisted endpoints during recovery")
	}
	for _, rec := range endpoints {
		ep := endpointStateFromRecord(rec)
		d.endpoints[endpointKey(ep.NetworkID, ep.ID)] = ep
		if ns, ok := d.networks[ep.NetworkID]; ok {
			ns.endpoints[ep.ID] = struct{}{}
		}
	}

	d.log.Info("recovery complete", "networks", len(d.networks), "endpoints", len(d.endpoints))
}
