package readline

func (t *Terminal) suspend() error {
	return nil
}
