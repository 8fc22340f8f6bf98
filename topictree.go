package mqtt

import (
	"strings"
)

// subscription is the terminal payload of a topic tree node.
type subscription struct {
	filter  string
	qos     QoS
	handler MessageHandler
	cleanup func()
	local   bool
	refs    int
}

// topicNode is one segment of the subscription tree.
type topicNode struct {
	segment  string
	parent   *topicNode
	children map[string]*topicNode
	sub      *subscription
}

// topicTree stores active subscriptions as a prefix tree over topic segments
// split on '/'. It is touched only on the connection's I/O goroutine.
type topicTree struct {
	root *topicNode
}

func newTopicTree() *topicTree {
	return &topicTree{
		root: &topicNode{children: make(map[string]*topicNode)},
	}
}

// findNode returns the node for filter, or nil if the path does not exist.
func (t *topicTree) findNode(filter string) *topicNode {
	node := t.root
	for _, seg := range strings.Split(filter, "/") {
		child, ok := node.children[seg]
		if !ok {
			return nil
		}
		node = child
	}
	return node
}

// ensureNode returns the node for filter, creating the path as needed.
// The second return value is the topmost node created, or nil if the whole
// path already existed. It is used to undo a speculative insert.
func (t *topicTree) ensureNode(filter string) (*topicNode, *topicNode) {
	node := t.root
	var created *topicNode

	for _, seg := range strings.Split(filter, "/") {
		child, ok := node.children[seg]
		if !ok {
			child = &topicNode{
				segment:  seg,
				parent:   node,
				children: make(map[string]*topicNode),
			}
			node.children[seg] = child
			if created == nil {
				created = child
			}
		}
		node = child
	}
	return node, created
}

// insert adds a subscription for filter, reference-counting repeat additions
// of the same filter. The newest handler and QoS win.
func (t *topicTree) insert(filter string, qos QoS, handler MessageHandler, cleanup func(), local bool) {
	node, _ := t.ensureNode(filter)
	if node.sub != nil {
		node.sub.refs++
		node.sub.qos = qos
		node.sub.handler = handler
		node.sub.cleanup = cleanup
		node.sub.local = local
		return
	}
	node.sub = &subscription{
		filter:  filter,
		qos:     qos,
		handler: handler,
		cleanup: cleanup,
		local:   local,
		refs:    1,
	}
}

// remove decrements the reference count for filter. It returns the
// subscription once the last reference is released, nil otherwise. Firing the
// released subscription's cleanup callback is the caller's responsibility.
func (t *topicTree) remove(filter string) *subscription {
	node := t.findNode(filter)
	if node == nil || node.sub == nil {
		return nil
	}

	node.sub.refs--
	if node.sub.refs > 0 {
		return nil
	}

	released := node.sub
	node.sub = nil
	t.prune(node)
	return released
}

// prune walks up from node removing nodes with no children and no terminal.
func (t *topicTree) prune(node *topicNode) {
	for node != nil && node != t.root && node.sub == nil && len(node.children) == 0 {
		parent := node.parent
		delete(parent.children, node.segment)
		node = parent
	}
}

// iterate visits every active subscription in unspecified order. The visitor
// returns false to stop early.
func (t *topicTree) iterate(fn func(*subscription) bool) {
	t.iterateNode(t.root, fn)
}

func (t *topicTree) iterateNode(node *topicNode, fn func(*subscription) bool) bool {
	if node.sub != nil {
		if !fn(node.sub) {
			return false
		}
	}
	for _, child := range node.children {
		if !t.iterateNode(child, fn) {
			return false
		}
	}
	return true
}

// match invokes fn for every subscription whose filter matches topic.
// '+' matches exactly one segment, '#' matches the remainder (including the
// parent level, so "sport/#" matches "sport"). Filters starting with a
// wildcard never match topics starting with '$' (MQTT-4.7.2-1).
func (t *topicTree) match(topic string, fn func(*subscription)) {
	segs := strings.Split(topic, "/")
	skipWildcardRoot := len(topic) > 0 && topic[0] == '$'
	t.matchNode(t.root, segs, skipWildcardRoot, fn)
}

func (t *topicTree) matchNode(node *topicNode, segs []string, skipWildcards bool, fn func(*subscription)) {
	if !skipWildcards {
		if hash, ok := node.children["#"]; ok && hash.sub != nil {
			fn(hash.sub)
		}
	}

	if len(segs) == 0 {
		if node.sub != nil {
			fn(node.sub)
		}
		return
	}

	if child, ok := node.children[segs[0]]; ok {
		t.matchNode(child, segs[1:], false, fn)
	}
	if !skipWildcards {
		if plus, ok := node.children["+"]; ok {
			t.matchNode(plus, segs[1:], false, fn)
		}
	}
}

// destroy releases every subscription, firing each cleanup callback once.
func (t *topicTree) destroy() {
	var subs []*subscription
	t.iterate(func(s *subscription) bool {
		subs = append(subs, s)
		return true
	})
	t.root = &topicNode{children: make(map[string]*topicNode)}
	for _, s := range subs {
		if s.cleanup != nil {
			s.cleanup()
		}
	}
}

// treeAction records one applied mutation with enough state to undo it.
type treeAction struct {
	insert bool
	filter string

	// insert undo
	created  *topicNode // topmost node created, nil if the path existed
	replaced bool       // terminal existed and was reference-counted
	prevQoS  QoS
	prevHandler MessageHandler
	prevCleanup func()
	prevLocal   bool

	// remove undo
	target   *subscription // terminal the remove decremented, nil if absent
	released bool          // the decrement dropped the last reference
}

// treeTransaction is a staged sequence of insert/remove actions. Actions are
// applied to the tree as they are staged; rollback walks the log in reverse
// and undoes each one, commit discards the log. Because the tree is only
// touched on the I/O goroutine, no observer can see the intermediate states.
type treeTransaction struct {
	tree    *topicTree
	actions []treeAction
}

func (t *topicTree) begin() *treeTransaction {
	return &treeTransaction{tree: t}
}

// insert stages the addition of a subscription.
func (tx *treeTransaction) insert(filter string, qos QoS, handler MessageHandler, cleanup func(), local bool) {
	action := treeAction{insert: true, filter: filter}

	node, created := tx.tree.ensureNode(filter)
	action.created = created

	if node.sub != nil {
		action.replaced = true
		action.prevQoS = node.sub.qos
		action.prevHandler = node.sub.handler
		action.prevCleanup = node.sub.cleanup
		action.prevLocal = node.sub.local
		node.sub.refs++
		node.sub.qos = qos
		node.sub.handler = handler
		node.sub.cleanup = cleanup
		node.sub.local = local
	} else {
		node.sub = &subscription{
			filter:  filter,
			qos:     qos,
			handler: handler,
			cleanup: cleanup,
			local:   local,
			refs:    1,
		}
	}

	tx.actions = append(tx.actions, action)
}

// remove stages the removal of a subscription. It returns the terminal that
// was decremented (nil if the filter was not subscribed) and whether this
// action released its last reference.
func (tx *treeTransaction) remove(filter string) (*subscription, bool) {
	action := treeAction{filter: filter}

	node := tx.tree.findNode(filter)
	if node == nil || node.sub == nil {
		tx.actions = append(tx.actions, action)
		return nil, false
	}

	action.target = node.sub
	node.sub.refs--
	if node.sub.refs == 0 {
		action.released = true
		node.sub = nil
		tx.tree.prune(node)
	}

	tx.actions = append(tx.actions, action)
	return action.target, action.released
}

// commit makes the staged actions permanent. Structurally a no-op: the
// actions are already applied, only the undo log is dropped.
func (tx *treeTransaction) commit() {
	tx.actions = nil
}

// rollback undoes every staged action in reverse order, leaving the tree
// exactly as it was before the transaction began.
func (tx *treeTransaction) rollback() {
	for i := len(tx.actions) - 1; i >= 0; i-- {
		action := &tx.actions[i]

		if action.insert {
			node := tx.tree.findNode(action.filter)
			if node == nil || node.sub == nil {
				continue
			}
			if action.replaced {
				node.sub.refs--
				node.sub.qos = action.prevQoS
				node.sub.handler = action.prevHandler
				node.sub.cleanup = action.prevCleanup
				node.sub.local = action.prevLocal
			} else {
				node.sub = nil
				if action.created != nil {
					delete(action.created.parent.children, action.created.segment)
				} else {
					tx.tree.prune(node)
				}
			}
			continue
		}

		if action.target == nil {
			continue
		}
		if action.released {
			node, _ := tx.tree.ensureNode(action.filter)
			action.target.refs++
			node.sub = action.target
		} else {
			action.target.refs++
		}
	}
	tx.actions = nil
}
