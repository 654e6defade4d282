package tables

// Element is the damage property carried on a damage record.
type Element int32

const (
	ElementGeneral Element = iota
	ElementFire
	ElementWater
	ElementElectricity
	ElementWood
	ElementWind
	ElementRock
	ElementLight
	ElementDark
	ElementCount
)

var elementStrings = map[Element]string{
	ElementGeneral:     "General",
	ElementFire:        "Fire",
	ElementWater:       "Water",
	ElementElectricity: "Electricity",
	ElementWood:        "Wood",
	ElementWind:        "Wind",
	ElementRock:        "Rock",
	ElementLight:       "Light",
	ElementDark:        "Dark",
	ElementCount:       "Count",
}

func (e Element) String() string {
	if s, ok := elementStrings[e]; ok {
		return s
	}
	return elementStrings[ElementGeneral]
}

// ElementName maps a raw property value to its element name.
func ElementName(property int32) string {
	return Element(property).String()
}
