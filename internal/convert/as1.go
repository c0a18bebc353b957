package convert

// AS1 helpers: small accessors over the canonical map[string]any activity
// form that the opaque converter produces and consumes.

// CRUD verbs wrap an inner object.
var crudVerbs = map[string]bool{
	"post":   true,
	"create": true,
	"update": true,
	"delete": true,
	"undo":   true,
}

// actorTypes are AS1 objectType values for actors.
var actorTypes = map[string]bool{
	"person":       true,
	"organization": true,
	"application":  true,
	"service":      true,
	"group":        true,
}

// IsCRUDVerb reports whether verb wraps an inner object.
func IsCRUDVerb(verb string) bool { return crudVerbs[verb] }

// IsActorType reports whether objectType names an actor.
func IsActorType(objectType string) bool { return actorTypes[objectType] }

// Type returns the activity verb if the AS1 value is an activity, else its
// objectType.
func Type(as1 map[string]any) string {
	if as1 == nil {
		return ""
	}
	if str(as1, "objectType") == "activity" || str(as1, "verb") != "" {
		return str(as1, "verb")
	}
	return str(as1, "objectType")
}

// Verb returns the activity verb, or empty.
func Verb(as1 map[string]any) string { return str(as1, "verb") }

// CapabilityVerb maps the AS1 value to the verb used for protocol capability
// checks: bare content objects count as "post", actor objects as "update".
func CapabilityVerb(as1 map[string]any) string {
	t := Type(as1)
	switch {
	case IsActorType(t):
		return "update"
	case t == "note", t == "comment", t == "article":
		return "post"
	}
	return t
}

// ID returns the id field.
func ID(as1 map[string]any) string { return str(as1, "id") }

// Inner returns the wrapped object of an activity as a map. String-valued
// objects are widened to {"id": ...}. Returns nil if absent.
func Inner(as1 map[string]any) map[string]any {
	switch obj := as1["object"].(type) {
	case map[string]any:
		return obj
	case string:
		if obj != "" {
			return map[string]any{"id": obj}
		}
	}
	return nil
}

// Actor returns the actor id of an activity, checking actor then author.
func Actor(as1 map[string]any) string {
	for _, field := range []string{"actor", "author"} {
		switch v := as1[field].(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			if id := str(v, "id"); id != "" {
				return id
			}
		}
	}
	return ""
}

// Owner returns the id responsible for the AS1 value: the actor of an
// activity, else the object's own author, else its id for actor types.
func Owner(as1 map[string]any) string {
	if actor := Actor(as1); actor != "" {
		return actor
	}
	if IsActorType(str(as1, "objectType")) {
		return ID(as1)
	}
	return ""
}

// RecipientIfDM returns the single non-public recipient id if the AS1 value
// is a direct message: a note with no public audience and exactly one "to".
func RecipientIfDM(as1 map[string]any) string {
	obj := as1
	if IsCRUDVerb(Verb(as1)) {
		if inner := Inner(as1); inner != nil {
			obj = inner
		}
	}
	tos, _ := obj["to"].([]any)
	if len(tos) != 1 {
		return ""
	}
	var id string
	switch to := tos[0].(type) {
	case string:
		id = to
	case map[string]any:
		id = str(to, "id")
	}
	if id == "" || id == "@public" || id == "https://www.w3.org/ns/activitystreams#Public" {
		return ""
	}
	return id
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
