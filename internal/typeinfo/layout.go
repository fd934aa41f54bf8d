package typeinfo

import (
	"debug/dwarf"
	"fmt"
	"strings"
)

const (
	layoutIndent = "    "
	memberIndent = layoutIndent + layoutIndent
)

// renderLayout produces a pahole-style description of a struct, one member
// per line with byte offset and size annotations. The whole block is indented
// one level so it can be embedded under a report header.
func renderLayout(st *dwarf.StructType) string {
	var b strings.Builder

	name := st.StructName
	if name == "" {
		name = "<anonymous>"
	}
	fmt.Fprintf(&b, "%sstruct %s {\n", layoutIndent, name)

	for _, field := range st.Field {
		fname := field.Name
		if fname == "" {
			fname = "<anonymous>"
		}
		if field.BitSize > 0 {
			fmt.Fprintf(&b, "%s%s %s : %d; /* %d */\n",
				memberIndent, typeName(field.Type), fname, field.BitSize, field.ByteOffset)
			continue
		}
		fmt.Fprintf(&b, "%s%s %s; /* %d %d */\n",
			memberIndent, typeName(field.Type), fname, field.ByteOffset, fieldSize(field.Type))
	}

	fmt.Fprintf(&b, "%s} /* total size: %d */", layoutIndent, st.ByteSize)
	return b.String()
}

func fieldSize(t dwarf.Type) int64 {
	if t == nil {
		return 0
	}
	sz := t.Size()
	if sz < 0 {
		return 0
	}
	return sz
}

// typeName renders a DWARF type the way it would appear in C source.
func typeName(t dwarf.Type) string {
	switch t := t.(type) {
	case nil:
		return "void"
	case *dwarf.VoidType:
		return "void"
	case *dwarf.PtrType:
		return typeName(t.Type) + " *"
	case *dwarf.ArrayType:
		if t.Count < 0 {
			return typeName(t.Type) + "[]"
		}
		return fmt.Sprintf("%s[%d]", typeName(t.Type), t.Count)
	case *dwarf.StructType:
		if t.StructName == "" {
			return t.Kind + " { ... }"
		}
		return t.Kind + " " + t.StructName
	case *dwarf.EnumType:
		if t.EnumName == "" {
			return "enum { ... }"
		}
		return "enum " + t.EnumName
	case *dwarf.TypedefType:
		return t.Name
	case *dwarf.QualType:
		return t.Qual + " " + typeName(t.Type)
	case *dwarf.FuncType:
		return "function"
	default:
		return t.String()
	}
}
