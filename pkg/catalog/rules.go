package catalog

// Matches reports whether an instance with the given attributes routes to
// this destination. Each non-empty match list must contain the corresponding
// attribute; the label rule passes when the instance carries at least one of
// the wanted labels. Empty lists match everything. Disabled destinations
// never match.
func (d *Destination) Matches(modality, sopClassUID, callingAE string, labels []string) bool {
	if !d.Enabled {
		return false
	}
	return matchList(d.MatchModalities, modality) &&
		matchList(d.MatchSOPClasses, sopClassUID) &&
		matchList(d.MatchCallingAEs, callingAE) &&
		matchAnyLabel(d.MatchLabels, labels)
}

func matchList(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func matchAnyLabel(wanted, labels []string) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, w := range wanted {
		for _, l := range labels {
			if w == l {
				return true
			}
		}
	}
	return false
}
