package wasm

// Minimal WASM binary assembler for tests. Every function gets its own type.

type wasmImport struct {
	name    string
	params  int
	results int
	packed  bool // single i64 result
}

type wasmFunc struct {
	name    string
	params  int
	results int
	locals  []byte // locals header; nil declares none
	body    []byte // instructions, without trailing end
}

func uleb(n int) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func section(id byte, content []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(len(content))...)
	return append(out, content...)
}

func name(s string) []byte { return append(uleb(len(s)), s...) }

func funcType(params, results int, packed bool) []byte {
	t := []byte{0x60}
	t = append(t, uleb(params)...)
	for i := 0; i < params; i++ {
		t = append(t, 0x7f)
	}
	if packed {
		return append(t, 0x01, 0x7e)
	}
	t = append(t, uleb(results)...)
	for i := 0; i < results; i++ {
		t = append(t, 0x7f)
	}
	return t
}

// buildModule assembles a module importing host functions from HostModule and
// exporting memory (1 page), malloc (bump allocator from 1024), free and funcs.
// data, if set, is placed at offset 0.
func buildModule(imports []wasmImport, funcs []wasmFunc, data []byte) []byte {
	// global 0 is the bump pointer.
	all := append([]wasmFunc{
		{name: "malloc", params: 1, results: 1, body: []byte{
			0x23, 0x00, // global.get 0
			0x23, 0x00, // global.get 0
			0x20, 0x00, // local.get 0
			0x6a,       // i32.add
			0x24, 0x00, // global.set 0
		}},
		{name: "free", params: 2, body: nil},
	}, funcs...)

	var types []byte
	types = append(types, uleb(len(imports)+len(all))...)
	for _, im := range imports {
		types = append(types, funcType(im.params, im.results, im.packed)...)
	}
	for _, f := range all {
		types = append(types, funcType(f.params, f.results, false)...)
	}

	var imps []byte
	imps = append(imps, uleb(len(imports))...)
	for i, im := range imports {
		imps = append(imps, name(HostModule)...)
		imps = append(imps, name(im.name)...)
		imps = append(imps, 0x00)
		imps = append(imps, uleb(i)...)
	}

	var fns []byte
	fns = append(fns, uleb(len(all))...)
	for i := range all {
		fns = append(fns, uleb(len(imports)+i)...)
	}

	mem := []byte{0x01, 0x00, 0x01}

	globals := []byte{0x01, 0x7f, 0x01, 0x41, 0x80, 0x08, 0x0b} // mut i32 = 1024

	var exps []byte
	exps = append(exps, uleb(len(all)+1)...)
	exps = append(exps, name("memory")...)
	exps = append(exps, 0x02, 0x00)
	for i, f := range all {
		exps = append(exps, name(f.name)...)
		exps = append(exps, 0x00)
		exps = append(exps, uleb(len(imports)+i)...)
	}

	var code []byte
	code = append(code, uleb(len(all))...)
	for _, f := range all {
		locals := f.locals
		if locals == nil {
			locals = []byte{0x00}
		}
		body := append(append([]byte{}, locals...), f.body...)
		body = append(body, 0x0b)
		code = append(code, uleb(len(body))...)
		code = append(code, body...)
	}

	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	out = append(out, section(1, types)...)
	if len(imports) > 0 {
		out = append(out, section(2, imps)...)
	}
	out = append(out, section(3, fns)...)
	out = append(out, section(5, mem)...)
	out = append(out, section(6, globals)...)
	out = append(out, section(7, exps)...)
	out = append(out, section(10, code)...)
	if len(data) > 0 {
		seg := []byte{0x01, 0x00, 0x41, 0x00, 0x0b}
		seg = append(seg, uleb(len(data))...)
		seg = append(seg, data...)
		out = append(out, section(11, seg)...)
	}
	return out
}

var setOutput = wasmImport{name: "set_output", params: 2}

// helloModule's execute writes "hello" via set_output.
func helloModule() []byte {
	return buildModule([]wasmImport{setOutput}, []wasmFunc{{
		name: "execute", params: 4,
		body: []byte{0x41, 0x00, 0x41, 0x05, 0x10, 0x00},
	}}, []byte("hello"))
}

// echoArgsModule's execute returns the JSON args unchanged.
func echoArgsModule() []byte {
	return buildModule([]wasmImport{setOutput}, []wasmFunc{{
		name: "execute", params: 4,
		body: []byte{0x20, 0x02, 0x20, 0x03, 0x10, 0x00},
	}}, nil)
}

// loopModule's execute never returns.
func loopModule() []byte {
	return buildModule([]wasmImport{setOutput}, []wasmFunc{{
		name: "execute", params: 4,
		body: []byte{0x03, 0x40, 0x0c, 0x00, 0x0b},
	}}, nil)
}

// trapModule's execute hits unreachable.
func trapModule() []byte {
	return buildModule([]wasmImport{setOutput}, []wasmFunc{{
		name: "execute", params: 4,
		body: []byte{0x00},
	}}, nil)
}

// storageModule's execute stores its args under key "k" then reads them back.
func storageModule() []byte {
	imports := []wasmImport{
		setOutput,
		{name: "storage_put", params: 4, results: 1},
		{name: "storage_get", params: 2, packed: true},
	}
	// data: "k" at offset 0
	body := []byte{
		0x41, 0x00, 0x41, 0x01, // key ptr 0, len 1
		0x20, 0x02, 0x20, 0x03, // args ptr, len
		0x10, 0x01, // call storage_put
		0x1a,                   // drop status
		0x41, 0x00, 0x41, 0x01, // key
		0x10, 0x02, // call storage_get -> ptr<<32|len
		0x21, 0x04, // local.set 4
		0x20, 0x04, 0x42, 0x20, 0x88, 0xa7, // ptr = i32.wrap(v >> 32)
		0x20, 0x04, 0xa7, // len = i32.wrap(v)
		0x10, 0x00, // call set_output(ptr, len)
	}
	return buildModule(imports, []wasmFunc{{
		name: "execute", params: 4,
		locals: []byte{0x01, 0x01, 0x7e}, // one i64
		body:   body,
	}}, []byte("k"))
}

// logModule imports log and calls it with "hello".
func logModule() []byte {
	imports := []wasmImport{setOutput, {name: "log", params: 3}}
	body := []byte{0x41, 0x01, 0x41, 0x00, 0x41, 0x05, 0x10, 0x01}
	return buildModule(imports, []wasmFunc{{name: "execute", params: 4, body: body}}, []byte("hello"))
}
