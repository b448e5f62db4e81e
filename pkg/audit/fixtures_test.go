package audit

import (
	"github.com/ekaya-inc/changeflow/pkg/entity"
)

// Item is the usual test hierarchy: Catalog -> Item -> Variant.
var (
	catalogType = entity.NewType("Catalog")
	catalogID   = catalogType.ID("id")
	catalogName = catalogType.Field("name")

	itemType     = entity.NewType("Item")
	itemID       = itemType.ID("id")
	itemName     = itemType.Field("name")
	itemCategory = itemType.Field("category")
	itemPrice    = itemType.Field("price")

	variantType  = entity.NewType("Variant")
	variantID    = variantType.ID("id")
	variantColor = variantType.Field("color")

	noteType = entity.NewType("Note")
	noteText = noteType.Field("text")
)

func init() {
	catalogType.AddChild(itemType)
	itemType.AddChild(variantType)
}

// itemFieldSet: id, self mandatory CATEGORY, on-change NAME and PRICE.
func itemFieldSet() *FieldSet {
	return NewFieldSetBuilder(itemID).
		WithSelfMandatoryFields(itemCategory).
		WithOnChangeFields(itemName, itemPrice).
		MustBuild()
}

// snapshots maps commands to fixed states.
type snapshots map[*entity.ChangeCommand]entity.Entity

func (s snapshots) Entity(cmd *entity.ChangeCommand) entity.Entity {
	if e, ok := s[cmd]; ok {
		return e
	}
	return entity.Empty
}

type testNode struct {
	entityType entity.EntityType
	generator  *RecordGenerator
	children   []FlowNode
}

func (n *testNode) EntityType() entity.EntityType     { return n.entityType }
func (n *testNode) RecordGenerator() *RecordGenerator { return n.generator }
func (n *testNode) AuditChildren() []FlowNode         { return n.children }
