package cache

// aggregate builds the result map of a batch call. A key is
// present iff its processor returned a result or failed. Keys
// whose processor had no result are left out.
func aggregate[K comparable](keys []K, outcomes []Outcome) map[K]*Result {
	results := make(map[K]*Result, len(keys))

	for i, key := range keys {
		if outcomes[i].Kind == OutcomeAbsent {
			continue
		}

		results[key] = &Result{outcome: outcomes[i]}
	}

	return results
}
