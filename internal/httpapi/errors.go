package httpapi

// deviceMismatchBody is the 409 response body: the submission's device
// set didn't match the recipient's current registration.
type deviceMismatchBody struct {
	MissingDevices []uint32 `json:"missingDevices"`
	ExtraDevices   []uint32 `json:"extraDevices"`
}

// staleDevicesBody is the 410 response body: one or more submitted
// registration ids no longer match the recipient's current registration.
type staleDevicesBody struct {
	StaleDevices []uint32 `json:"staleDevices"`
}

// checkDeviceCoverage compares the submitted device ids against the
// recipient's registered set and returns the 409 mismatch, if any: a
// client submitting for a strict subset of registered devices gets a 409
// with the missing ids, and no inserts occur.
func checkDeviceCoverage(registered []DeviceRecord, submitted map[uint32]uint32) (mismatch *deviceMismatchBody, ok bool) {
	registeredIDs := make(map[uint32]uint32, len(registered))
	for _, d := range registered {
		registeredIDs[d.DeviceID] = d.RegistrationID
	}

	var missing, extra []uint32
	for id := range registeredIDs {
		if _, ok := submitted[id]; !ok {
			missing = append(missing, id)
		}
	}
	for id := range submitted {
		if _, ok := registeredIDs[id]; !ok {
			extra = append(extra, id)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		return &deviceMismatchBody{MissingDevices: missing, ExtraDevices: extra}, false
	}
	return nil, true
}

// checkRegistrationIDs compares submitted registration ids against the
// recipient's current registration, once device coverage has already been
// confirmed to match.
func checkRegistrationIDs(registered []DeviceRecord, submitted map[uint32]uint32) (stale *staleDevicesBody, ok bool) {
	var staleIDs []uint32
	for _, d := range registered {
		if submitted[d.DeviceID] != d.RegistrationID {
			staleIDs = append(staleIDs, d.DeviceID)
		}
	}
	if len(staleIDs) > 0 {
		return &staleDevicesBody{StaleDevices: staleIDs}, false
	}
	return nil, true
}
