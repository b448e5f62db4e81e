package audit

import "github.com/ekaya-inc/changeflow/pkg/entity"

// FlowNode is the view of one node of a change flow tree that audit
// generation needs. Each child node has a distinct entity type.
type FlowNode interface {
	EntityType() entity.EntityType
	// RecordGenerator returns nil when auditing is off for this node.
	RecordGenerator() *RecordGenerator
	AuditChildren() []FlowNode
}

// SnapshotSource supplies the state of each command's entity before the change.
type SnapshotSource interface {
	Entity(cmd *entity.ChangeCommand) entity.Entity
}

// RecursiveGenerator walks a flow tree and a command tree together and builds
// audit records bottom-up.
type RecursiveGenerator struct{}

func NewRecursiveGenerator() *RecursiveGenerator {
	return &RecursiveGenerator{}
}

// GenerateMany returns one record per command that produced one, in command
// order. A node without a record generator prunes its whole subtree.
func (g *RecursiveGenerator) GenerateMany(node FlowNode, commands []*entity.ChangeCommand, snapshots SnapshotSource) ([]*Record, error) {
	generator := node.RecordGenerator()
	if generator == nil {
		return nil, nil
	}
	records := make([]*Record, 0, len(commands))
	for _, cmd := range commands {
		record, ok, err := g.generate(node, generator, cmd, snapshots)
		if err != nil {
			return nil, err
		}
		if ok {
			records = append(records, record)
		}
	}
	return records, nil
}

func (g *RecursiveGenerator) generate(node FlowNode, generator *RecordGenerator, cmd *entity.ChangeCommand, snapshots SnapshotSource) (*Record, bool, error) {
	var childRecords []*Record
	for _, child := range node.AuditChildren() {
		records, err := g.GenerateMany(child, cmd.Children(child.EntityType()), snapshots)
		if err != nil {
			return nil, false, err
		}
		childRecords = append(childRecords, records...)
	}
	return generator.Generate(cmd, snapshots.Entity(cmd), childRecords)
}
