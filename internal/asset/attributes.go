package asset

import (
	"fmt"
	"sort"
)

// attributeSchemas lists the fields each element type's attribute bag may
// carry. Bags are free-form key/value at the wire level; ingestion rejects
// keys outside the type's schema so the similarity scorer never compares
// fields that cannot exist on the other side.
var attributeSchemas = map[ElementType][]string{
	Sign: {
		"codigo", "pelicula", "suporte", "formato", "dimensoes",
		"lado", "mensagem",
	},
	Gantry: {
		"tipo_estrutura", "vao_livre", "altura_livre", "mensagem",
	},
	Inscription: {
		"tipo", "tinta", "cor", "dimensoes",
	},
	LongitudinalMarking: {
		"tipo_linha", "cor", "largura", "material", "cadencia",
	},
	RaisedPavementMarker: {
		"tipo", "cor", "corpo", "refletivo", "lado",
	},
	Guardrail: {
		"tipo", "perfil", "altura", "terminal", "lado",
	},
	DelineatorCylinder: {
		"tipo", "cor", "altura", "espacamento",
	},
}

// AttributeSchema returns the allowed attribute fields for the type.
func AttributeSchema(et ElementType) []string {
	fields := attributeSchemas[et]
	out := make([]string, len(fields))
	copy(out, fields)
	return out
}

// ValidateAttributes checks an attribute bag against the type's schema.
func ValidateAttributes(et ElementType, attrs map[string]string) error {
	allowed := make(map[string]bool, len(attributeSchemas[et]))
	for _, f := range attributeSchemas[et] {
		allowed[f] = true
	}
	var bad []string
	for k := range attrs {
		if !allowed[k] {
			bad = append(bad, k)
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return fmt.Errorf("attributes not in %s schema: %v", et, bad)
	}
	return nil
}
