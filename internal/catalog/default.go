package catalog

// DefaultReference is the resolution the built-in regions were measured at.
var DefaultReference = Resolution{Width: 720, Height: 480}

var defaultChrome = []string{"Name:", "Specialty:", "Skill:"}

// Default returns the built-in catalog for the general detail screen.
func Default() *Catalog {
	regions := []Region{
		{ID: "general_name", Rect: Rect{X: 200, Y: 50, Width: 300, Height: 40}, Content: ContentText, Category: "general_name", Language: "en", Required: true, KeyRole: KeyName, Chrome: []string{"General"}},
		{ID: "general_level", Rect: Rect{X: 150, Y: 100, Width: 80, Height: 30}, Content: ContentDigits, Category: "level", Required: true, KeyRole: KeyLevel, Chrome: []string{"Level", "Lv.", "Lv"}},
		{ID: "general_stars", Rect: Rect{X: 250, Y: 100, Width: 100, Height: 30}, Content: ContentDigits, Category: "stars", Required: true, Chrome: []string{"Stars", "Star", "*"}},
		{ID: "specialty", Rect: Rect{X: 200, Y: 150, Width: 200, Height: 40}, Content: ContentEnum, Category: "specialty", Language: "en", Required: true},
		{ID: "attack_stat", Rect: Rect{X: 100, Y: 200, Width: 100, Height: 30}, Content: ContentDigits, Category: "stat", Required: true, Chrome: []string{"Attack", "ATK"}},
		{ID: "defense_stat", Rect: Rect{X: 250, Y: 200, Width: 100, Height: 30}, Content: ContentDigits, Category: "stat", Required: true, Chrome: []string{"Defense", "DEF"}},
		{ID: "leadership_stat", Rect: Rect{X: 400, Y: 200, Width: 100, Height: 30}, Content: ContentDigits, Category: "stat", Required: true, Chrome: []string{"Leadership", "LEA"}},
		{ID: "politics_stat", Rect: Rect{X: 550, Y: 200, Width: 100, Height: 30}, Content: ContentDigits, Category: "stat", Required: true, Chrome: []string{"Politics", "POL"}},
		{ID: "equipment_slot_1", Rect: Rect{X: 100, Y: 300, Width: 80, Height: 80}, Content: ContentText, Category: "equipment", Language: "en", Chrome: []string{"Empty"}},
		{ID: "equipment_slot_2", Rect: Rect{X: 200, Y: 300, Width: 80, Height: 80}, Content: ContentText, Category: "equipment", Language: "en", Chrome: []string{"Empty"}},
		{ID: "equipment_slot_3", Rect: Rect{X: 300, Y: 300, Width: 80, Height: 80}, Content: ContentText, Category: "equipment", Language: "en", Chrome: []string{"Empty"}},
		{ID: "equipment_slot_4", Rect: Rect{X: 400, Y: 300, Width: 80, Height: 80}, Content: ContentText, Category: "equipment", Language: "en", Chrome: []string{"Empty"}},
		{ID: "skill_slot_1", Rect: Rect{X: 100, Y: 400, Width: 120, Height: 40}, Content: ContentEnum, Category: "skill", Language: "en"},
		{ID: "skill_slot_2", Rect: Rect{X: 240, Y: 400, Width: 120, Height: 40}, Content: ContentEnum, Category: "skill", Language: "en"},
		{ID: "skill_slot_3", Rect: Rect{X: 380, Y: 400, Width: 120, Height: 40}, Content: ContentEnum, Category: "skill", Language: "en"},
		{ID: "skill_slot_4", Rect: Rect{X: 520, Y: 400, Width: 120, Height: 40}, Content: ContentEnum, Category: "skill", Language: "en"},
	}

	c, err := New(DefaultReference, regions, defaultChrome)
	if err != nil {
		panic("catalog: built-in regions invalid: " + err.Error())
	}
	return c
}
