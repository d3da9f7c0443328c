package ep

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/onnx-harness/internal/protos"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Partition is a sub-graph assigned to one provider.
type Partition struct {
	// ID is the execution order of the partition.
	ID int

	ProviderType string
	View         *GraphView

	// NodeIndices in topological order.
	NodeIndices []int

	// Inputs are the values the partition consumes from outside of it: graph inputs or outputs of
	// other partitions. Initializers are not included.
	Inputs []string

	// Outputs are the values produced by the partition that are consumed by other partitions or are graph outputs.
	Outputs []string
}

// Nodes returns the partition nodes in topological order.
func (p *Partition) Nodes() []*protos.NodeProto {
	nodes := make([]*protos.NodeProto, len(p.NodeIndices))
	for ii, idx := range p.NodeIndices {
		nodes[ii] = p.View.Node(idx)
	}
	return nodes
}

// String implements fmt.Stringer.
func (p *Partition) String() string {
	opTypes := make([]string, len(p.NodeIndices))
	for ii, idx := range p.NodeIndices {
		opTypes[ii] = p.View.Node(idx).OpType
	}
	return fmt.Sprintf("partition #%d (%s): %d nodes [%s], inputs=%q, outputs=%q", p.ID, p.ProviderType,
		len(p.NodeIndices), strings.Join(opTypes, ", "), p.Inputs, p.Outputs)
}

// UnassignedNodesError is returned by PartitionGraph when some nodes were not claimed by any provider.
type UnassignedNodesError struct {
	Nodes []*protos.NodeProto
}

// Error implements error.
func (e *UnassignedNodesError) Error() string {
	names := make([]string, len(e.Nodes))
	for ii, node := range e.Nodes {
		names[ii] = fmt.Sprintf("%q (%s)", node.Name, node.OpType)
	}
	return fmt.Sprintf("%d nodes not claimed by any execution provider: %s", len(e.Nodes), strings.Join(names, ", "))
}

// PartitionGraph asks each provider, in the order given (priority order), for its capabilities,
// and greedily accepts each claim whose nodes are all still unassigned.
//
// It returns the partitions in an order in which they can be executed. If some nodes are left
// unassigned, it returns an *UnassignedNodesError.
func PartitionGraph(view *GraphView, providers []ExecutionProvider) ([]*Partition, error) {
	var partitions []*Partition
	for _, provider := range providers {
		providerType := provider.Type()
		for _, capability := range provider.GetCapability(view) {
			if reason := rejectCapability(view, capability); reason != "" {
				klog.V(1).Infof("PartitionGraph: claim by %s of nodes %v rejected: %s", providerType, capability.NodeIndices, reason)
				continue
			}
			indices := slices.Clone(capability.NodeIndices)
			slices.Sort(indices)
			for _, idx := range indices {
				view.assignment[idx] = providerType
			}
			partitions = append(partitions, &Partition{ProviderType: providerType, View: view, NodeIndices: indices})
		}
	}
	if unassigned := view.Unassigned(); len(unassigned) > 0 {
		err := &UnassignedNodesError{}
		for _, idx := range unassigned {
			err.Nodes = append(err.Nodes, view.Node(idx))
		}
		return nil, err
	}

	nodeToPartition := make([]int, view.NumNodes())
	for pIdx, p := range partitions {
		for _, idx := range p.NodeIndices {
			nodeToPartition[idx] = pIdx
		}
	}
	for pIdx, p := range partitions {
		p.Inputs, p.Outputs = partitionBoundary(view, p, pIdx, nodeToPartition)
	}
	sorted, err := sortPartitions(view, partitions, nodeToPartition)
	if err != nil {
		return nil, err
	}
	for id, p := range sorted {
		p.ID = id
		klog.V(1).Infof("PartitionGraph: %s", p)
	}
	return sorted, nil
}

func rejectCapability(view *GraphView, capability *Capability) string {
	if capability == nil || len(capability.NodeIndices) == 0 {
		return "empty"
	}
	seen := sets.Make[int]()
	for _, idx := range capability.NodeIndices {
		if idx < 0 || idx >= view.NumNodes() {
			return fmt.Sprintf("node index %d out of range", idx)
		}
		if seen.Has(idx) {
			return fmt.Sprintf("node index %d repeated", idx)
		}
		seen.Insert(idx)
		if view.IsAssigned(idx) {
			return fmt.Sprintf("node %q already assigned to %s", view.Node(idx).Name, view.AssignedTo(idx))
		}
	}
	return ""
}

// partitionBoundary computes the values entering and leaving the partition.
func partitionBoundary(view *GraphView, p *Partition, pIdx int, nodeToPartition []int) (inputs, outputs []string) {
	seenInputs := sets.Make[string]()
	for _, idx := range p.NodeIndices {
		for _, input := range view.Node(idx).Input {
			if input == "" || seenInputs.Has(input) {
				continue
			}
			producer := view.Producer(input)
			if producer >= 0 && nodeToPartition[producer] == pIdx {
				continue
			}
			if producer < 0 && view.Initializer(input) != nil {
				continue
			}
			seenInputs.Insert(input)
			inputs = append(inputs, input)
		}
	}
	for _, idx := range p.NodeIndices {
		for _, output := range view.Node(idx).Output {
			if output == "" {
				continue
			}
			external := view.IsGraphOutput(output)
			for _, consumer := range view.Consumers(output) {
				if nodeToPartition[consumer] != pIdx {
					external = true
					break
				}
			}
			if external {
				outputs = append(outputs, output)
			}
		}
	}
	return
}

// sortPartitions orders the partitions so that each one runs after the partitions producing its inputs.
// Among the ready partitions, the one with the earliest node goes first.
func sortPartitions(view *GraphView, partitions []*Partition, nodeToPartition []int) ([]*Partition, error) {
	numPartitions := len(partitions)
	dependents := make([]sets.Set[int], numPartitions)
	numDeps := make([]int, numPartitions)
	for pIdx, p := range partitions {
		deps := sets.Make[int]()
		for _, input := range p.Inputs {
			if producer := view.Producer(input); producer >= 0 {
				deps.Insert(nodeToPartition[producer])
			}
		}
		for dep := range deps {
			if dependents[dep] == nil {
				dependents[dep] = sets.Make[int]()
			}
			dependents[dep].Insert(pIdx)
		}
		numDeps[pIdx] = len(deps)
	}

	sorted := make([]*Partition, 0, numPartitions)
	done := make([]bool, numPartitions)
	for len(sorted) < numPartitions {
		next := -1
		for pIdx, p := range partitions {
			if done[pIdx] || numDeps[pIdx] > 0 {
				continue
			}
			if next < 0 || p.NodeIndices[0] < partitions[next].NodeIndices[0] {
				next = pIdx
			}
		}
		if next < 0 {
			return nil, errors.New("partitions have cyclic dependencies: providers must claim nodes that can be executed as a unit")
		}
		done[next] = true
		sorted = append(sorted, partitions[next])
		for dependent := range dependents[next] {
			numDeps[dependent]--
		}
	}
	return sorted, nil
}
