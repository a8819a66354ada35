package pregel

import "sort"

// planPullTasks finds every node whose trigger channels have advanced past
// the version that node last saw, and builds a Task for each. Nodes are
// considered in name order so task IDs (and therefore execution order
// within a bounded worker pool) are deterministic given the same
// checkpoint, per spec.md §4.2/§4.3.
func planPullTasks(
	nodes map[string]*PregelNode,
	channels map[string]Channel,
	channelVersions map[string]string,
	versionsSeen map[string]map[string]string,
	checkpointID string,
	step int,
) ([]Task, error) {
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	var tasks []Task
	for _, name := range names {
		node := nodes[name]
		seen := versionsSeen[name]

		var fired []string
		for _, ch := range node.triggerChannels() {
			current, ok := channelVersions[ch]
			if !ok || current == "" {
				continue
			}
			if seen == nil || current > seen[ch] {
				fired = append(fired, ch)
			}
		}
		if len(fired) == 0 {
			continue
		}

		input, err := buildNodeInput(node, channels)
		if err != nil {
			return nil, err
		}

		path := TaskPath{Type: TaskPathPull, Node: name}
		tasks = append(tasks, Task{
			ID:       computeTaskID(checkpointID, path, step),
			Node:     node,
			Input:    input,
			Triggers: fired,
			Path:     path,
		})
	}
	return tasks, nil
}

// planPushTasks turns every PendingSend recorded by the previous step into
// a push Task. Push tasks bypass the trigger check entirely: a Send is an
// explicit "run this node next" instruction, not a channel observation.
func planPushTasks(nodes map[string]*PregelNode, sends []PendingSend, checkpointID string, step int) ([]Task, error) {
	var tasks []Task
	for i, send := range sends {
		node, ok := nodes[send.Node]
		if !ok {
			return nil, &NotFoundError{Kind: "node", ID: send.Node}
		}

		input, err := decodeChannelValue(send.Payload)
		if err != nil {
			return nil, err
		}

		path := TaskPath{Type: TaskPathPush, Node: send.Node, Index: i}
		tasks = append(tasks, Task{
			ID:     computeTaskID(checkpointID, path, step),
			Node:   node,
			Input:  input,
			Path:   path,
			Config: RunnableConfig{},
		})
	}
	return tasks, nil
}

// buildNodeInput reads every channel a node declares and shapes it into the
// value the node's function receives: the bare value when there's exactly
// one channel, or a map keyed by channel name when there are several.
func buildNodeInput(node *PregelNode, channels map[string]Channel) (any, error) {
	if len(node.Channels) == 1 {
		ch, ok := channels[node.Channels[0]]
		if !ok {
			return nil, &NotFoundError{Kind: "channel", ID: node.Channels[0]}
		}
		v, _ := ch.Get()
		return v, nil
	}

	input := make(map[string]any, len(node.Channels))
	for _, name := range node.Channels {
		ch, ok := channels[name]
		if !ok {
			return nil, &NotFoundError{Kind: "channel", ID: name}
		}
		if v, present := ch.Get(); present {
			input[name] = v
		}
	}
	return input, nil
}

// updateVersionsSeen records, for every task that ran this step, the
// channel versions it observed, so the next planning pass only re-fires a
// node when a trigger channel advances past what it has already consumed.
func updateVersionsSeen(versionsSeen map[string]map[string]string, tasks []Task, channelVersions map[string]string) {
	for _, task := range tasks {
		if task.Path.Type != TaskPathPull {
			continue
		}
		seen := versionsSeen[task.Node.Name]
		if seen == nil {
			seen = make(map[string]string)
			versionsSeen[task.Node.Name] = seen
		}
		for _, ch := range task.Triggers {
			seen[ch] = channelVersions[ch]
		}
	}
}
