package reference

// Default returns the built-in dataset: specialty and skill names, plus
// level, star and stat ranges. General names and equipment are left to a
// configured file; configs/reference.example.yaml shows the format.
func Default() *Dataset {
	d, err := NewDataset("builtin",
		map[string][]string{
			"specialty": {
				"Attack", "Defense", "Leadership", "Politics", "Ranged", "Siege",
				"Cavalry", "Infantry", "Archers", "Siege Machines", "Mixed",
			},
			"skill": {
				"Attack Up", "Defense Up", "HP Up", "Leadership Up", "Politics Up",
				"Ground Attack Up", "Ranged Attack Up", "Mounted Attack Up", "Siege Attack Up",
				"Ground Defense Up", "Ranged Defense Up", "Mounted Defense Up",
				"March Speed Up", "Load Up", "Training Speed Up", "Construction Speed Up",
			},
		},
		map[string]Range{
			"level": {Min: 1, Max: 50},
			"stars": {Min: 1, Max: 5},
			// Non-negative, at most six digits.
			"stat": {Min: 0, Max: 999999},
		},
	)
	if err != nil {
		panic("reference: built-in dataset invalid: " + err.Error())
	}
	return d
}
