package dispatcher

type Subscription interface {
	Unsubscribe()
}

type subs struct {
	dispatcher *Dispatcher
	id         int
}

func (s *subs) Unsubscribe() {
	d := s.dispatcher
	d.hooksMu.Lock()
	defer d.hooksMu.Unlock()
	delete(d.frozen, s.id)
}
