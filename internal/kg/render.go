package kg

import (
	"fmt"
	"sort"
	"strings"
)

// RenderContext renders a Subgraph into the structured text block used as
// planner LLM context (spec §4.4.2). Section order is fixed: TABLE SCHEMAS,
// JOINABLE COLUMNS, grouped non-column entities, KNOWN RELATIONSHIPS.
func RenderContext(sg *Subgraph) string {
	if sg == nil || len(sg.Entities) == 0 {
		return ""
	}

	byID := make(map[string]*Entity, len(sg.Entities))
	for i := range sg.Entities {
		byID[sg.Entities[i].ID] = &sg.Entities[i]
	}

	tableDB := tableParentDatabases(sg, byID)
	tableColumns := columnsByTable(sg, byID)

	var b strings.Builder
	writeTableSchemas(&b, sg, byID, tableDB, tableColumns)
	writeJoinableColumns(&b, tableColumns, byID)
	writeNonColumnEntities(&b, sg)
	writeKnownRelationships(&b, sg, byID)

	return strings.TrimRight(b.String(), "\n")
}

// tableParentDatabases maps a table entity ID to its containing database's
// name, found via a `contains` relationship whose target is the table.
func tableParentDatabases(sg *Subgraph, byID map[string]*Entity) map[string]string {
	out := make(map[string]string)
	for _, r := range sg.Relationships {
		if r.Type != RelContains {
			continue
		}
		parent, child := byID[r.SourceID], byID[r.TargetID]
		if parent == nil || child == nil {
			continue
		}
		if parent.Type == EntityDatabase && child.Type == EntityTable {
			out[child.ID] = parent.Name
		}
	}
	return out
}

// columnsByTable maps a table entity ID to its column entities, found via
// `contains` relationships.
func columnsByTable(sg *Subgraph, byID map[string]*Entity) map[string][]*Entity {
	out := make(map[string][]*Entity)
	for _, r := range sg.Relationships {
		if r.Type != RelContains {
			continue
		}
		parent, child := byID[r.SourceID], byID[r.TargetID]
		if parent == nil || child == nil {
			continue
		}
		if parent.Type == EntityTable && child.Type == EntityColumn {
			out[parent.ID] = append(out[parent.ID], child)
		}
	}
	for id := range out {
		sort.Slice(out[id], func(i, j int) bool { return out[id][i].Name < out[id][j].Name })
	}
	return out
}

func writeTableSchemas(b *strings.Builder, sg *Subgraph, byID map[string]*Entity, tableDB map[string]string, tableColumns map[string][]*Entity) {
	var tables []*Entity
	for i := range sg.Entities {
		if sg.Entities[i].Type == EntityTable {
			tables = append(tables, &sg.Entities[i])
		}
	}
	if len(tables) == 0 {
		return
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })

	b.WriteString("TABLE SCHEMAS\n")
	for _, t := range tables {
		dbName := tableDB[t.ID]
		label := t.Name
		if dbName != "" {
			label = dbName + "." + t.Name
		}
		cols := tableColumns[t.ID]
		colParts := make([]string, 0, len(cols))
		for _, c := range cols {
			colParts = append(colParts, fmt.Sprintf("%s (%s)", c.Name, columnDataType(c)))
		}
		b.WriteString(fmt.Sprintf("- %s: %s\n", label, strings.Join(colParts, ", ")))
	}
	b.WriteString("\n")
}

func columnDataType(c *Entity) string {
	if c.Properties != nil {
		if dt, ok := c.Properties["data_type"].(string); ok && dt != "" {
			return dt
		}
	}
	return "unknown"
}

func writeJoinableColumns(b *strings.Builder, tableColumns map[string][]*Entity, byID map[string]*Entity) {
	byName := make(map[string][]string) // column name -> owning table names
	for tableID, cols := range tableColumns {
		t := byID[tableID]
		if t == nil {
			continue
		}
		for _, c := range cols {
			byName[strings.ToLower(c.Name)] = append(byName[strings.ToLower(c.Name)], t.Name)
		}
	}

	var names []string
	for name, owners := range byName {
		if len(owners) >= 2 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return
	}
	sort.Strings(names)

	b.WriteString("JOINABLE COLUMNS\n")
	for _, name := range names {
		owners := append([]string(nil), byName[name]...)
		sort.Strings(owners)
		b.WriteString(fmt.Sprintf("- %s: %s\n", name, strings.Join(owners, ", ")))
	}
	b.WriteString("\n")
}

func writeNonColumnEntities(b *strings.Builder, sg *Subgraph) {
	groups := make(map[EntityType][]*Entity)
	for i := range sg.Entities {
		e := &sg.Entities[i]
		if e.Type == EntityColumn || e.Type == EntityTable {
			continue
		}
		groups[e.Type] = append(groups[e.Type], e)
	}
	if len(groups) == 0 {
		return
	}

	var types []EntityType
	for t := range groups {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, t := range types {
		entities := groups[t]
		sort.Slice(entities, func(i, j int) bool { return entities[i].Name < entities[j].Name })

		b.WriteString(strings.ToUpper(string(t)) + "\n")
		for _, e := range entities {
			b.WriteString(fmt.Sprintf("- %s: %s\n", e.Name, describeEntity(e)))
		}
		b.WriteString("\n")
	}
}

// describeEntity renders a human-readable one-line description for a
// non-column entity, drawing on its Properties when present.
func describeEntity(e *Entity) string {
	if e.Properties != nil {
		if desc, ok := e.Properties["description"].(string); ok && desc != "" {
			return desc
		}
	}
	return string(e.Type)
}

func writeKnownRelationships(b *strings.Builder, sg *Subgraph, byID map[string]*Entity) {
	var lines []string
	for _, r := range sg.Relationships {
		src, dst := byID[r.SourceID], byID[r.TargetID]
		if src == nil || dst == nil {
			continue
		}
		if r.Type == RelContains && src.Type == EntityTable && dst.Type == EntityColumn {
			continue // already shown in TABLE SCHEMAS
		}
		lines = append(lines, fmt.Sprintf("- %s %s %s", src.Name, r.Type, dst.Name))
	}
	if len(lines) == 0 {
		return
	}
	sort.Strings(lines)

	b.WriteString("KNOWN RELATIONSHIPS\n")
	for _, l := range lines {
		b.WriteString(l + "\n")
	}
}
